package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jijae92/LocalKoreanTTS/internal/cache"
	"github.com/jijae92/LocalKoreanTTS/internal/chunker"
	"github.com/jijae92/LocalKoreanTTS/internal/fsio"
	"github.com/jijae92/LocalKoreanTTS/internal/media"
	"github.com/jijae92/LocalKoreanTTS/internal/synth"
)

// chunkFormat is the format every chunk is cached in, independent of the
// run's output format. Transcoding happens once, after concatenation, so an
// mp3 job and a wav job share the same chunk cache.
const chunkFormat = "wav"

const defaultRetryDelay = 500 * time.Millisecond

// Runner executes synthesis runs against shared infrastructure: one cache
// store and one media processor serve every job.
type Runner struct {
	cache      *cache.Store
	media      media.Processor
	logger     *slog.Logger
	chunkOpts  chunker.Options
	sanitize   func(string) string
	retryDelay time.Duration
}

// Option is a function that configures a Runner.
type Option func(*Runner)

// WithChunkOptions overrides the default chunking limits.
func WithChunkOptions(opts chunker.Options) Option {
	return func(r *Runner) {
		r.chunkOpts = opts
	}
}

// WithSanitizer sets the redaction applied to text excerpts before they
// reach logs.
func WithSanitizer(fn func(string) string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.sanitize = fn
		}
	}
}

// WithRetryDelay overrides the pause before the single retry of a failed
// chunk.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Runner) {
		r.retryDelay = d
	}
}

// NewRunner creates a Runner over the given cache store and media processor.
func NewRunner(store *cache.Store, processor media.Processor, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		cache:      store,
		media:      processor,
		logger:     logger,
		chunkOpts:  chunker.DefaultOptions(),
		sanitize:   func(s string) string { return s },
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one synthesis run to completion, cancellation or error. The
// matching terminal stage is emitted before Run returns. On cancellation or
// error every partial output of this run is removed best-effort; cached
// chunks are kept, so a resubmitted job resumes where this one stopped.
func (r *Runner) Run(ctx context.Context, cfg Config, hooks Hooks) (*Result, error) {
	cleanup := &cleanupList{logger: r.logger}

	result, err := r.run(ctx, cfg, hooks, cleanup)
	if err != nil {
		if IsCancellation(err) {
			r.logger.Info("run cancelled", slog.String("job", cfg.JobTag))
			hooks.stage(StageCancelled, "")
		} else {
			r.logger.Error("run failed",
				slog.String("job", cfg.JobTag),
				slog.String("error", err.Error()),
			)
			hooks.stage(StageError, err.Error())
		}
		cleanup.removeAll()
		return nil, err
	}

	hooks.stage(StageCompleted, "")
	return result, nil
}

func (r *Runner) run(ctx context.Context, cfg Config, hooks Hooks, cleanup *cleanupList) (*Result, error) {
	format, err := normalizeFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.Speed <= 0 {
		return nil, ErrInvalidSpeed
	}
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if cfg.Engine == nil {
		return nil, ErrEngineRequired
	}

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StageLoadingInput, "")
	text, err := r.loadText(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StageChunking, "")
	chunks, err := chunker.Split(text, r.chunkOpts)
	if err != nil {
		return nil, fmt.Errorf("chunk input: %w", err)
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}
	total := len(chunks)
	hooks.log(fmt.Sprintf("split input into %d chunks", total))
	hooks.progress(0, total)

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StageCacheCheck, "")
	keys := make([]string, total)
	paths := make([]string, total)
	done := 0
	for i, chunk := range chunks {
		keys[i] = cache.Key(cfg.ModelPath, chunk, cfg.Speed, cfg.SampleRate, chunkFormat)
		if path, ok := r.cache.Lookup(keys[i]); ok {
			paths[i] = path
			done++
			hooks.chunkDone(i, true)
			hooks.progress(done, total)
		}
	}
	hits := done
	misses := total - hits
	hooks.log(fmt.Sprintf("cache: %d hits, %d misses", hits, misses))

	// The engine loads lazily: a run served entirely from cache never pays
	// for the model.
	var engine synth.Engine
	effectiveRate := cfg.SampleRate
	if misses > 0 {
		if err := r.checkCancel(ctx, hooks); err != nil {
			return nil, err
		}
		hooks.stage(StageLoadingModel, "")
		engine, err = cfg.Engine(ctx)
		if err != nil {
			return nil, fmt.Errorf("load engine: %w", err)
		}
		if rate := engine.SampleRate(); rate > 0 {
			effectiveRate = rate
		}
	}

	for i, chunk := range chunks {
		if paths[i] != "" {
			continue
		}
		if err := r.checkCancel(ctx, hooks); err != nil {
			return nil, err
		}

		// Chunks repeated within one run share a cache key, so the entry
		// stored for an earlier occurrence serves the later ones.
		if path, ok := r.cache.Lookup(keys[i]); ok {
			paths[i] = path
			hits++
			misses--
			done++
			hooks.chunkDone(i, true)
			hooks.progress(done, total)
			continue
		}

		hooks.stage(StageChunkSynth, fmt.Sprintf("chunk %d/%d", i+1, total))
		r.logger.Debug("synthesizing chunk",
			slog.Int("chunk", i+1),
			slog.Int("total", total),
			slog.String("preview", r.sanitize(preview(chunk))),
		)

		payload, err := r.synthesizeChunk(ctx, engine, chunk, cfg.Speed, hooks, i, total)
		if err != nil {
			if IsCancellation(err) {
				return nil, err
			}
			return nil, fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}

		path, err := r.cache.Put(keys[i], payload, cache.Metadata{
			Format:     chunkFormat,
			ModelPath:  cfg.ModelPath,
			SampleRate: effectiveRate,
			Speed:      cfg.Speed,
			TextLength: utf8.RuneCountInString(chunk),
		})
		if err != nil {
			return nil, fmt.Errorf("store chunk %d/%d: %w", i+1, total, err)
		}
		paths[i] = path
		done++
		hooks.chunkDone(i, false)
		hooks.progress(done, total)
	}

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StagePreparingOutput, "")
	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	base := outputBaseName(cfg, time.Now().UTC())
	finalPath := filepath.Join(cfg.OutputDir, base+"."+format)

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StageConcatenating, "")
	concatTarget := finalPath
	if format != chunkFormat {
		concatTarget = filepath.Join(cfg.OutputDir, base+"_concat.wav")
	}
	cleanup.add(concatTarget)
	if err := r.media.ConcatWithSilence(ctx, paths, concatTarget, cfg.Silence); err != nil {
		return nil, fmt.Errorf("concatenate chunks: %w", err)
	}

	if format != chunkFormat {
		cleanup.add(finalPath)
		if err := r.media.Transcode(ctx, concatTarget, finalPath); err != nil {
			return nil, fmt.Errorf("transcode to %s: %w", format, err)
		}
		if err := os.Remove(concatTarget); err != nil {
			r.logger.Warn("failed to remove intermediate wav",
				slog.String("path", concatTarget),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.checkCancel(ctx, hooks); err != nil {
		return nil, err
	}
	hooks.stage(StageFinalising, "")
	sum, err := fsio.SHA256File(finalPath)
	if err != nil {
		return nil, fmt.Errorf("hash artifact: %w", err)
	}

	metaPath := finalPath + ".meta.json"
	shaPath := finalPath + ".sha256"
	cleanup.add(metaPath)
	cleanup.add(shaPath)

	input := cfg.InputPath
	if input == "" {
		input = "inline"
	}
	meta := runMetadata{
		Input:           input,
		Output:          finalPath,
		Format:          format,
		Speed:           cfg.Speed,
		SampleRate:      effectiveRate,
		Chunks:          total,
		SilenceDuration: cfg.Silence,
		CacheHits:       hits,
		CacheMisses:     misses,
		CacheDir:        r.cache.BaseDir(),
		ModelPath:       cfg.ModelPath,
		SHA256:          sum,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := fsio.WriteFileAtomic(metaPath, metaJSON); err != nil {
		return nil, fmt.Errorf("write metadata sidecar: %w", err)
	}
	if err := fsio.WriteTextAtomic(shaPath, sum); err != nil {
		return nil, fmt.Errorf("write checksum sidecar: %w", err)
	}

	r.logger.Info("run completed",
		slog.String("job", cfg.JobTag),
		slog.String("output", finalPath),
		slog.Int("chunks", total),
		slog.Int("cache_hits", hits),
		slog.Int("cache_misses", misses),
	)

	return &Result{
		OutputPath:          finalPath,
		MetaPath:            metaPath,
		ShaPath:             shaPath,
		ChunkCount:          total,
		CacheHits:           hits,
		CacheMisses:         misses,
		EffectiveSampleRate: effectiveRate,
	}, nil
}

// synthesizeChunk runs one chunk through the engine, retrying once after a
// fixed delay when the first attempt fails.
func (r *Runner) synthesizeChunk(ctx context.Context, engine synth.Engine, text string, speed float64, hooks Hooks, index, total int) ([]byte, error) {
	payload, err := engine.Synthesize(ctx, text, speed)
	if err == nil {
		return payload, nil
	}
	if IsCancellation(err) {
		return nil, err
	}

	r.logger.Warn("chunk synthesis failed, retrying",
		slog.Int("chunk", index+1),
		slog.String("error", err.Error()),
	)
	hooks.stage(StageChunkRetry, fmt.Sprintf("chunk %d/%d", index+1, total))

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-time.After(r.retryDelay):
	}
	if hooks.cancelled() {
		return nil, ErrCancelled
	}

	return engine.Synthesize(ctx, text, speed)
}

// checkCancel maps both cancellation transports onto ErrCancelled.
func (r *Runner) checkCancel(ctx context.Context, hooks Hooks) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if hooks.cancelled() {
		return ErrCancelled
	}
	return nil
}

// loadText returns the run's input text, reading InputPath when no inline
// text was given.
func (r *Runner) loadText(cfg Config) (string, error) {
	if cfg.Text != "" {
		return cfg.Text, nil
	}
	if cfg.InputPath == "" {
		return "", ErrEmptyText
	}
	data, err := os.ReadFile(cfg.InputPath) // #nosec G304 - path is provided by trusted internal code
	if err != nil {
		return "", fmt.Errorf("read input file: %w", err)
	}
	return string(data), nil
}

func normalizeFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		f = "wav"
	}
	switch f {
	case "wav", "ogg", "mp3":
		return f, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// outputBaseName derives the artifact stem: the input file's stem when the
// run came from a file, otherwise text plus the job tag, always suffixed
// with a UTC timestamp.
func outputBaseName(cfg Config, now time.Time) string {
	stem := ""
	if cfg.InputPath != "" {
		name := filepath.Base(cfg.InputPath)
		stem = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if stem == "" {
		stem = "text"
		if cfg.JobTag != "" {
			stem = "text_" + cfg.JobTag
		}
	}
	return stem + "_" + now.Format("20060102_150405")
}

// preview returns a short log-safe excerpt of chunk text.
func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= 32 {
		return s
	}
	return string(runes[:32]) + "..."
}

// runMetadata is the sidecar record describing a finished artifact.
type runMetadata struct {
	Input           string  `json:"input"`
	Output          string  `json:"output"`
	Format          string  `json:"format"`
	Speed           float64 `json:"speed"`
	SampleRate      int     `json:"sample_rate"`
	Chunks          int     `json:"chunks"`
	SilenceDuration float64 `json:"silence_duration"`
	CacheHits       int     `json:"cache_hits"`
	CacheMisses     int     `json:"cache_misses"`
	CacheDir        string  `json:"cache_dir"`
	ModelPath       string  `json:"model_path"`
	SHA256          string  `json:"sha256"`
	GeneratedAt     string  `json:"generated_at"`
}

// cleanupList tracks the partial outputs of a run so a failed or cancelled
// run leaves nothing behind.
type cleanupList struct {
	logger *slog.Logger
	paths  []string
}

func (c *cleanupList) add(path string) {
	c.paths = append(c.paths, path)
}

// removeAll unlinks every tracked path. Removal is best-effort; failures
// are logged and skipped.
func (c *cleanupList) removeAll() {
	for _, path := range c.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove partial output",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}
