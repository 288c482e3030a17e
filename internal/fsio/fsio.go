// Package fsio provides crash-safe file writing and streaming hash helpers.
package fsio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// hashBlockSize bounds memory while hashing large payload files.
const hashBlockSize = 1 << 20

// WriteFileAtomic persists data so that a crash never leaves a partial file
// visible under the final name. It writes to a temporary file in the target
// directory, fsyncs it, renames it over path, and fsyncs the directory.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return syncDir(dir)
}

// WriteTextAtomic persists a string with the same guarantees as WriteFileAtomic.
func WriteTextAtomic(path, text string) error {
	return WriteFileAtomic(path, []byte(text))
}

// syncDir fsyncs a directory so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 - dir derives from a path our caller owns
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// SHA256File returns the hex SHA-256 of a file, reading in fixed-size blocks.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted internal code
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	digest := sha256.New()
	buf := make([]byte, hashBlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

// SHA256Bytes returns the hex SHA-256 of an in-memory payload.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
