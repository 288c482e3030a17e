package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrS3NotConfigured is returned by Publish when no S3 bucket is configured.
var ErrS3NotConfigured = errors.New("S3 storage is not configured")

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage keeps spooled files in one local directory. It is the whole
// storage layer when S3 is not configured, and the temp-file half of
// S3Storage when it is.
type LocalStorage struct {
	tempDir string
}

// NewLocalStorage creates the spool directory and returns a store over it.
// An empty dir falls back to a per-system temp location.
func NewLocalStorage(tempDir string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "lktts")
	}
	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	return &LocalStorage{tempDir: tempDir}, nil
}

// TempDir returns the spool directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// SaveTemp spools data to a fresh file named after the sanitized hint. Jobs
// use this to persist inline request text before the request returns.
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(s.tempDir, sanitizeName(name)+"_*")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	path := f.Name()

	_, copyErr := io.Copy(f, data)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if copyErr != nil {
			return "", fmt.Errorf("write spool file: %w", copyErr)
		}
		return "", fmt.Errorf("close spool file: %w", closeErr)
	}

	return path, nil
}

// LoadTemp opens a spooled file for reading.
func (s *LocalStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(path) // #nosec G304 - paths come from SaveTemp, not from callers
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	return f, nil
}

// CleanupTemp removes every given path it can. Missing files are fine;
// anything else is collected and reported as one error after the sweep.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Publish is unavailable without an S3 bucket.
func (s *LocalStorage) Publish(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

// sanitizeName reduces a spool-name hint to something CreateTemp accepts:
// no path separators, no empty prefix.
func sanitizeName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if cleaned == "" {
		return "spool"
	}
	return cleaned
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return nil
}
