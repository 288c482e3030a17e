package cache

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jijae92/LocalKoreanTTS/internal/fsio"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresDirectory(t *testing.T) {
	_, err := NewStore("", nil)
	assert.ErrorIs(t, err, ErrDirRequired)
}

func TestStorePutLookupRoundtrip(t *testing.T) {
	store := newTestStore(t)
	key := Key("/models/voice", "안녕하세요", 1.0, 22050, "wav")
	payload := []byte("fake wav bytes")

	stored, err := store.Put(key, payload, Metadata{
		Format:     "wav",
		ModelPath:  "/models/voice",
		SampleRate: 22050,
		Speed:      1.0,
		TextLength: 5,
	})
	require.NoError(t, err)

	found, ok := store.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, stored, found)

	data, err := os.ReadFile(found)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// Entries shard into a directory named after the first two key characters.
	assert.Equal(t, key[:2], filepath.Base(filepath.Dir(found)))
	assert.True(t, strings.HasSuffix(found, ".wav"))
}

func TestStorePutInjectsRecordFields(t *testing.T) {
	store := newTestStore(t)
	key := Key("/models/voice", "hello", 1.0, 22050, "wav")
	payload := []byte("payload")

	_, err := store.Put(key, payload, Metadata{Format: "wav", TextLength: 5})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(store.BaseDir(), key[:2], key+".json"))
	require.NoError(t, err)

	var meta Metadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, key, meta.Key)
	assert.Equal(t, fsio.SHA256Bytes(payload), meta.PayloadHash)
	assert.Positive(t, meta.CreatedAt)
	assert.Equal(t, 5, meta.TextLength)
}

func TestStorePutRejectsEmptyPayload(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Put("abcdef", nil, Metadata{})
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestStorePutDefaultsFormat(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Put("abcdef", []byte("data"), Metadata{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".wav"))
}

func TestStoreLookupMissing(t *testing.T) {
	store := newTestStore(t)

	_, ok := store.Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestStoreLookupRemovesCorruptEntry(t *testing.T) {
	store := newTestStore(t)
	key := Key("/models/voice", "corrupt me", 1.0, 22050, "wav")

	path, err := store.Put(key, []byte("original payload"), Metadata{Format: "wav"})
	require.NoError(t, err)

	// Tamper with the payload after it was recorded.
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0600))

	_, ok := store.Lookup(key)
	assert.False(t, ok)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt payload should be deleted")
	_, err = os.Stat(filepath.Join(store.BaseDir(), key[:2], key+".json"))
	assert.True(t, os.IsNotExist(err), "corrupt metadata should be deleted")

	// A second lookup is a plain miss and the entry can be rebuilt.
	_, ok = store.Lookup(key)
	assert.False(t, ok)
	_, err = store.Put(key, []byte("original payload"), Metadata{Format: "wav"})
	assert.NoError(t, err)
}

func TestStoreLookupSkipsUnreadableMetadata(t *testing.T) {
	store := newTestStore(t)
	key := "deadbeef"

	dir := filepath.Join(store.BaseDir(), key[:2])
	require.NoError(t, os.MkdirAll(dir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".json"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".wav"), []byte("data"), 0600))

	_, ok := store.Lookup(key)
	assert.False(t, ok)

	// The payload is left in place; only verified mismatches self-heal.
	_, err := os.Stat(filepath.Join(dir, key+".wav"))
	assert.NoError(t, err)
}

func TestStoreVerify(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("verify me"), 0600))

	assert.True(t, store.Verify(path, fsio.SHA256Bytes([]byte("verify me"))))
	assert.False(t, store.Verify(path, fsio.SHA256Bytes([]byte("something else"))))
	assert.False(t, store.Verify(filepath.Join(t.TempDir(), "missing"), "abc"))
}
