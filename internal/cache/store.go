package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jijae92/LocalKoreanTTS/internal/fsio"
)

const defaultFormat = "wav"

var (
	// ErrDirRequired is returned when a store is created without a base directory.
	ErrDirRequired = errors.New("cache directory is required")
	// ErrEmptyPayload is returned when an empty payload is offered for storage.
	ErrEmptyPayload = errors.New("payload must not be empty")
)

// Metadata is the sidecar record stored next to each cached payload.
// Key, CreatedAt and PayloadHash are always injected by the store; the
// remaining fields describe the synthesis request and are provided by
// the caller.
type Metadata struct {
	Format     string  `json:"format"`
	ModelPath  string  `json:"model_path,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	TextLength int     `json:"text_length,omitempty"`

	Key         string `json:"key"`
	CreatedAt   int64  `json:"created_at"`
	PayloadHash string `json:"payload_hash"`
}

// Store is a content-addressed audio cache on the local filesystem.
// Entries are sharded by the first two characters of the key, written
// atomically, and verified against their recorded hash on every lookup.
// A record that fails verification is deleted so the next run rebuilds it.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

// NewStore opens a cache rooted at dir, creating the directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, ErrDirRequired
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &Store{baseDir: abs, logger: logger}, nil
}

// BaseDir returns the absolute root of the cache.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Lookup returns the payload path for key if a verified entry exists.
// Missing payloads or metadata are a plain miss. A payload whose hash no
// longer matches its metadata is corrupt; both files are removed and the
// lookup reports a miss.
func (s *Store) Lookup(key string) (string, bool) {
	meta, ok := s.loadMetadata(key)
	if !ok {
		return "", false
	}

	payloadPath := s.payloadPath(key, meta.Format)
	if _, err := os.Stat(payloadPath); err != nil {
		return "", false
	}

	if meta.PayloadHash != "" && !s.Verify(payloadPath, meta.PayloadHash) {
		s.logger.Warn("removing corrupt cache entry",
			slog.String("key", key),
			slog.String("path", payloadPath),
		)
		s.removeQuietly(payloadPath)
		s.removeQuietly(s.metadataPath(key))
		return "", false
	}

	s.logger.Debug("cache hit", slog.String("key", key))
	return payloadPath, true
}

// Put stores payload under key together with its metadata sidecar and
// returns the payload path. The store injects the key, creation time and
// payload hash into the metadata before writing it. Both files are written
// atomically so a crash never leaves a partial record behind.
func (s *Store) Put(key string, payload []byte, meta Metadata) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}

	record := meta
	if record.Format == "" {
		record.Format = defaultFormat
	}
	record.Key = key
	record.CreatedAt = time.Now().Unix()
	record.PayloadHash = fsio.SHA256Bytes(payload)

	payloadPath := s.payloadPath(key, record.Format)
	if err := fsio.WriteFileAtomic(payloadPath, payload); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}

	metadataJSON, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := fsio.WriteFileAtomic(s.metadataPath(key), metadataJSON); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	s.logger.Debug("stored cache entry",
		slog.String("key", key),
		slog.Int("bytes", len(payload)),
	)
	return payloadPath, nil
}

// Verify reports whether the file at path hashes to wantHash. Unreadable
// files verify as false.
func (s *Store) Verify(path, wantHash string) bool {
	got, err := fsio.SHA256File(path)
	if err != nil {
		return false
	}
	return got == wantHash
}

func (s *Store) loadMetadata(key string) (Metadata, bool) {
	data, err := os.ReadFile(s.metadataPath(key)) // #nosec G304 -- path is derived from the cache root
	if err != nil {
		return Metadata{}, false
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.Warn("unreadable cache metadata",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Metadata{}, false
	}
	if meta.Format == "" {
		meta.Format = defaultFormat
	}
	return meta, true
}

// entryDir shards entries by the first two characters of the key to keep
// directory listings small.
func (s *Store) entryDir(key string) string {
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.baseDir, prefix)
}

func (s *Store) payloadPath(key, format string) string {
	ext := strings.TrimPrefix(format, ".")
	if ext == "" {
		ext = defaultFormat
	}
	return filepath.Join(s.entryDir(key), key+"."+ext)
}

func (s *Store) metadataPath(key string) string {
	return filepath.Join(s.entryDir(key), key+".json")
}

func (s *Store) removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove cache file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
