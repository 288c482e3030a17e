// Package bootstrap provides dependency initialization for the synthesis API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jijae92/LocalKoreanTTS/internal/cache"
	"github.com/jijae92/LocalKoreanTTS/internal/chunker"
	"github.com/jijae92/LocalKoreanTTS/internal/config"
	"github.com/jijae92/LocalKoreanTTS/internal/job"
	"github.com/jijae92/LocalKoreanTTS/internal/media"
	"github.com/jijae92/LocalKoreanTTS/internal/pipeline"
	"github.com/jijae92/LocalKoreanTTS/internal/storage"
	"github.com/jijae92/LocalKoreanTTS/internal/synth"
)

// appDir names the per-user subdirectory for cache, model and output files.
const appDir = "lktts"

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	JobService *job.Service
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Initialize storage
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	// Initialize the chunk cache
	cacheDir, err := resolveCacheDir(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	chunkCache, err := cache.NewStore(cacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("create chunk cache: %w", err)
	}
	logger.Info("chunk cache configured",
		slog.String("dir", cacheDir),
	)

	modelPath, err := resolveModelPath(cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	outputDir, err := resolveOutputDir(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	// Initialize the media processor and pipeline runner
	processor := media.NewFFmpegProcessor(cfg.FFmpegBin)
	runner := pipeline.NewRunner(chunkCache, processor, logger,
		pipeline.WithChunkOptions(chunker.Options{
			MaxChars:               cfg.MaxChars,
			PreferSentenceBoundary: true,
			OverlapChars:           cfg.OverlapChars,
		}),
	)

	// Initialize job repository and service
	repo := job.NewMemoryRepository()
	svc := job.NewService(
		repo,
		runner,
		store,
		engineFactory(cfg, modelPath),
		logger,
		job.WithDefaults(job.Defaults{
			Backend:    job.Backend(cfg.Backend),
			Format:     "wav",
			Speed:      cfg.Speed,
			SampleRate: cfg.SampleRate,
			SilenceMS:  cfg.SilenceMS,
			OutputDir:  outputDir,
			ModelPath:  modelPath,
		}),
	)

	return &Dependencies{
		JobService: svc,
	}, nil
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}

// engineFactory builds the per-backend engine providers. Providers run
// lazily, on the first chunk that misses the cache, so a fully cached job
// never loads a model or contacts a synthesis server.
func engineFactory(cfg *config.Config, modelPath string) job.EngineFactory {
	return func(backend job.Backend, sampleRate int) (synth.Provider, error) {
		switch backend {
		case job.BackendProcess:
			return func(context.Context) (synth.Engine, error) {
				return synth.NewProcessEngine(cfg.ModelBin, modelPath, sampleRate)
			}, nil
		case job.BackendHTTP:
			return func(ctx context.Context) (synth.Engine, error) {
				eng, err := synth.NewHTTPEngine(cfg.SynthURL, sampleRate)
				if err != nil {
					return nil, err
				}
				if err := eng.Ping(ctx); err != nil {
					return nil, err
				}
				return eng, nil
			}, nil
		case job.BackendTone:
			return func(context.Context) (synth.Engine, error) {
				return synth.NewToneEngine(sampleRate), nil
			}, nil
		default:
			return nil, fmt.Errorf("%w: %s", job.ErrInvalidBackend, backend)
		}
	}
}

// resolveCacheDir returns the configured cache directory, falling back to a
// per-user default under os.UserCacheDir (XDG_CACHE_HOME on Linux).
func resolveCacheDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(base, appDir), nil
}

// resolveModelPath returns the configured model path, falling back to
// <data dir>/lktts/model.
func resolveModelPath(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	base, err := dataRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDir, "model"), nil
}

// resolveOutputDir returns the configured artifact directory, falling back
// to <data dir>/lktts/output.
func resolveOutputDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	base, err := dataRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDir, "output"), nil
}

// dataRoot returns the per-user data directory, honoring XDG_DATA_HOME.
func dataRoot() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share"), nil
}
