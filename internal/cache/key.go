package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
)

// keyPayload is the canonical form hashed into a cache key. Fields are
// declared in sorted key order, which is also the order encoding/json
// emits them in.
type keyPayload struct {
	Format     string  `json:"format"`
	ModelPath  string  `json:"model_path"`
	SampleRate int     `json:"sample_rate"`
	Speed      float64 `json:"speed"`
	TextHash   string  `json:"text_hash"`
}

// Key returns the deterministic fingerprint for a synthesis request.
// The text is digested first so large inputs never bloat the canonical
// payload, then the payload (format, canonical absolute model path, sample
// rate, speed, text digest) is serialized with sorted keys and digested
// again. Any semantic change to the request changes the key; equivalent
// spellings of the model path do not.
func Key(modelPath, text string, speed float64, sampleRate int, format string) string {
	textDigest := sha256.Sum256([]byte(text))

	canonical, _ := json.Marshal(keyPayload{
		Format:     format,
		ModelPath:  canonicalModelPath(modelPath),
		SampleRate: sampleRate,
		Speed:      speed,
		TextHash:   hex.EncodeToString(textDigest[:]),
	})

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalModelPath resolves a model path to its canonical absolute form so
// relative spellings and trailing separators collide on the same key.
func canonicalModelPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
