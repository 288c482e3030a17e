package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jijae92/LocalKoreanTTS/internal/cache"
	"github.com/jijae92/LocalKoreanTTS/internal/chunker"
	"github.com/jijae92/LocalKoreanTTS/internal/media"
	"github.com/jijae92/LocalKoreanTTS/internal/synth"
)

// fakeEngine returns "WAV:<text>" payloads and can be primed to fail a set
// number of times before succeeding.
type fakeEngine struct {
	rate     int
	calls    int
	failures int
}

func (f *fakeEngine) Synthesize(ctx context.Context, text string, _ float64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("engine busted")
	}
	return []byte("WAV:" + text), nil
}

func (f *fakeEngine) SampleRate() int { return f.rate }

// fakeProcessor joins input file contents with "|" instead of invoking
// ffmpeg, and prefixes transcoded output with "T:".
type fakeProcessor struct {
	concatCalls    int
	transcodeCalls int
	lastInputs     []string
	lastSilence    float64
	concatErr      error
	transcodeErr   error
}

func (f *fakeProcessor) ConcatWithSilence(_ context.Context, inputs []string, output string, silence float64) error {
	f.concatCalls++
	f.lastInputs = append([]string(nil), inputs...)
	f.lastSilence = silence
	if f.concatErr != nil {
		return f.concatErr
	}
	parts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		parts = append(parts, string(data))
	}
	return os.WriteFile(output, []byte(strings.Join(parts, "|")), 0600)
}

func (f *fakeProcessor) Transcode(_ context.Context, input, output string) error {
	f.transcodeCalls++
	if f.transcodeErr != nil {
		return f.transcodeErr
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	return os.WriteFile(output, append([]byte("T:"), data...), 0600)
}

var _ media.Processor = (*fakeProcessor)(nil)

// runRecorder captures every hook emission of a run.
type runRecorder struct {
	stages   []Stage
	details  []string
	progress [][2]int
	logs     []string
	chunks   []chunkEvent
	cancel   bool
}

type chunkEvent struct {
	index     int
	fromCache bool
}

func (r *runRecorder) hooks() Hooks {
	return Hooks{
		ShouldCancel: func() bool { return r.cancel },
		OnStage: func(s Stage, detail string) {
			r.stages = append(r.stages, s)
			r.details = append(r.details, detail)
		},
		OnProgress: func(done, total int) {
			r.progress = append(r.progress, [2]int{done, total})
		},
		OnLog: func(msg string) {
			r.logs = append(r.logs, msg)
		},
		OnChunkDone: func(index int, fromCache bool) {
			r.chunks = append(r.chunks, chunkEvent{index: index, fromCache: fromCache})
		},
	}
}

func (r *runRecorder) hasStage(want Stage) bool {
	for _, s := range r.stages {
		if s == want {
			return true
		}
	}
	return false
}

func (r *runRecorder) lastStage() Stage {
	if len(r.stages) == 0 {
		return ""
	}
	return r.stages[len(r.stages)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRunner builds a Runner with a tight chunk limit so two short
// sentences land in two chunks, and a near-zero retry delay.
func newTestRunner(t *testing.T, proc media.Processor) *Runner {
	t.Helper()

	store, err := cache.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("create cache store: %v", err)
	}
	return NewRunner(store, proc, testLogger(),
		WithChunkOptions(chunker.Options{MaxChars: 20, PreferSentenceBoundary: true}),
		WithRetryDelay(time.Millisecond),
	)
}

func provideEngine(engine *fakeEngine, loads *int) synth.Provider {
	return func(context.Context) (synth.Engine, error) {
		*loads++
		return engine, nil
	}
}

// baseConfig yields a two-chunk run: "First sentence. " and "Second sentence."
// under the 20-char test limit.
func baseConfig(t *testing.T, engine synth.Provider) Config {
	t.Helper()

	return Config{
		JobTag:     "job1",
		Text:       "First sentence. Second sentence.",
		OutputDir:  t.TempDir(),
		Format:     "wav",
		ModelPath:  "/models/kss",
		Speed:      1.0,
		SampleRate: 22050,
		Silence:    0.12,
		Engine:     engine,
	}
}

func readFileString(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRunner_Run_ColdThenWarm(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	engine := &fakeEngine{rate: 16000}
	loads := 0
	cfg := baseConfig(t, provideEngine(engine, &loads))
	rec := &runRecorder{}

	result, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ChunkCount != 2 {
		t.Errorf("expected 2 chunks, got %d", result.ChunkCount)
	}
	if result.CacheHits != 0 || result.CacheMisses != 2 {
		t.Errorf("expected 0 hits / 2 misses, got %d / %d", result.CacheHits, result.CacheMisses)
	}
	if result.EffectiveSampleRate != 16000 {
		t.Errorf("expected effective rate 16000, got %d", result.EffectiveSampleRate)
	}
	if loads != 1 {
		t.Errorf("expected one engine load, got %d", loads)
	}
	if engine.calls != 2 {
		t.Errorf("expected 2 synthesis calls, got %d", engine.calls)
	}
	if proc.lastSilence != 0.12 {
		t.Errorf("expected silence 0.12, got %v", proc.lastSilence)
	}

	base := filepath.Base(result.OutputPath)
	if !strings.HasPrefix(base, "text_job1_") {
		t.Errorf("expected artifact stem text_job1_*, got %s", base)
	}
	if filepath.Ext(base) != ".wav" {
		t.Errorf("expected .wav artifact, got %s", base)
	}

	content := readFileString(t, result.OutputPath)
	if content != "WAV:First sentence. |WAV:Second sentence." {
		t.Errorf("unexpected artifact content: %q", content)
	}

	// Sidecars sit next to the artifact.
	if result.MetaPath != result.OutputPath+".meta.json" {
		t.Errorf("unexpected meta path %s", result.MetaPath)
	}
	if result.ShaPath != result.OutputPath+".sha256" {
		t.Errorf("unexpected sha path %s", result.ShaPath)
	}

	sum := sha256.Sum256([]byte(content))
	wantSHA := hex.EncodeToString(sum[:])
	if got := readFileString(t, result.ShaPath); got != wantSHA {
		t.Errorf("checksum sidecar = %q, want %q", got, wantSHA)
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(readFileString(t, result.MetaPath)), &meta); err != nil {
		t.Fatalf("parse metadata sidecar: %v", err)
	}
	if meta["input"] != "inline" {
		t.Errorf("meta input = %v, want inline", meta["input"])
	}
	if meta["sample_rate"] != float64(16000) {
		t.Errorf("meta sample_rate = %v, want 16000", meta["sample_rate"])
	}
	if meta["chunks"] != float64(2) {
		t.Errorf("meta chunks = %v, want 2", meta["chunks"])
	}
	if meta["cache_misses"] != float64(2) {
		t.Errorf("meta cache_misses = %v, want 2", meta["cache_misses"])
	}
	if meta["sha256"] != wantSHA {
		t.Errorf("meta sha256 = %v, want %s", meta["sha256"], wantSHA)
	}
	if meta["model_path"] != "/models/kss" {
		t.Errorf("meta model_path = %v", meta["model_path"])
	}

	if len(rec.stages) == 0 || rec.stages[0] != StageLoadingInput {
		t.Errorf("expected first stage %s, got %v", StageLoadingInput, rec.stages)
	}
	if !rec.hasStage(StageLoadingModel) {
		t.Error("expected loading_model stage on a cold run")
	}
	if rec.lastStage() != StageCompleted {
		t.Errorf("expected terminal stage %s, got %s", StageCompleted, rec.lastStage())
	}

	prev := 0
	for _, p := range rec.progress {
		if p[1] != 2 {
			t.Errorf("progress total = %d, want 2", p[1])
		}
		if p[0] < prev {
			t.Errorf("progress went backwards: %v", rec.progress)
		}
		prev = p[0]
	}
	if prev != 2 {
		t.Errorf("expected final progress 2/2, got %d/2", prev)
	}

	// Warm run: same cache, different engine rate. Every chunk is served
	// from cache, the engine never loads, and the effective rate falls back
	// to the configured one.
	warmEngine := &fakeEngine{rate: 48000}
	warmLoads := 0
	warmCfg := cfg
	warmCfg.OutputDir = t.TempDir()
	warmCfg.Engine = provideEngine(warmEngine, &warmLoads)
	warmRec := &runRecorder{}

	warmResult, err := runner.Run(context.Background(), warmCfg, warmRec.hooks())
	if err != nil {
		t.Fatalf("unexpected warm-run error: %v", err)
	}

	if warmResult.CacheHits != 2 || warmResult.CacheMisses != 0 {
		t.Errorf("expected 2 hits / 0 misses, got %d / %d", warmResult.CacheHits, warmResult.CacheMisses)
	}
	if warmLoads != 0 {
		t.Errorf("expected no engine load on a warm run, got %d", warmLoads)
	}
	if warmRec.hasStage(StageLoadingModel) {
		t.Error("warm run must not enter loading_model")
	}
	if warmResult.EffectiveSampleRate != 22050 {
		t.Errorf("expected configured rate 22050 on warm run, got %d", warmResult.EffectiveSampleRate)
	}
	for _, ev := range warmRec.chunks {
		if !ev.fromCache {
			t.Errorf("chunk %d not served from cache on warm run", ev.index)
		}
	}
	if got := readFileString(t, warmResult.OutputPath); got != content {
		t.Errorf("warm artifact differs from cold artifact: %q", got)
	}
}

func TestRunner_Run_RepeatedChunkSynthesizedOnce(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	engine := &fakeEngine{rate: 22050}
	loads := 0
	cfg := baseConfig(t, provideEngine(engine, &loads))
	// Two identical sentences under the 20-char limit become two chunks
	// with the same text, and therefore the same cache key.
	cfg.Text = "Same text here. Same text here. "
	rec := &runRecorder{}

	result, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", result.ChunkCount)
	}
	if engine.calls != 1 {
		t.Errorf("expected 1 synthesis call for identical chunks, got %d", engine.calls)
	}
	if result.CacheHits != 1 || result.CacheMisses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", result.CacheHits, result.CacheMisses)
	}

	// Both chunk slots resolve to the one stored file.
	if len(proc.lastInputs) != 2 || proc.lastInputs[0] != proc.lastInputs[1] {
		t.Errorf("expected both inputs to share one cached path, got %v", proc.lastInputs)
	}

	synthesized, fromCache := 0, 0
	for _, ev := range rec.chunks {
		if ev.fromCache {
			fromCache++
		} else {
			synthesized++
		}
	}
	if synthesized != 1 || fromCache != 1 {
		t.Errorf("expected 1 synthesized + 1 cached chunk event, got %d + %d", synthesized, fromCache)
	}

	content := readFileString(t, result.OutputPath)
	if content != "WAV:Same text here. |WAV:Same text here. " {
		t.Errorf("unexpected artifact content: %q", content)
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(readFileString(t, result.MetaPath)), &meta); err != nil {
		t.Fatalf("parse metadata sidecar: %v", err)
	}
	if meta["cache_hits"] != float64(1) || meta["cache_misses"] != float64(1) {
		t.Errorf("meta cache counters = %v / %v, want 1 / 1", meta["cache_hits"], meta["cache_misses"])
	}
}

func TestRunner_Run_InputFile(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	inputPath := filepath.Join(t.TempDir(), "story.txt")
	if err := os.WriteFile(inputPath, []byte("One. Two."), 0600); err != nil {
		t.Fatalf("write input: %v", err)
	}

	loads := 0
	cfg := baseConfig(t, provideEngine(&fakeEngine{rate: 22050}, &loads))
	cfg.Text = ""
	cfg.InputPath = inputPath
	rec := &runRecorder{}

	result, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(filepath.Base(result.OutputPath), "story_") {
		t.Errorf("expected artifact stem story_*, got %s", filepath.Base(result.OutputPath))
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(readFileString(t, result.MetaPath)), &meta); err != nil {
		t.Fatalf("parse metadata sidecar: %v", err)
	}
	if meta["input"] != inputPath {
		t.Errorf("meta input = %v, want %s", meta["input"], inputPath)
	}
}

func TestRunner_Run_EmptyText(t *testing.T) {
	runner := newTestRunner(t, &fakeProcessor{})

	loads := 0
	provider := provideEngine(&fakeEngine{rate: 22050}, &loads)

	cfg := baseConfig(t, provider)
	cfg.Text = ""
	if _, err := runner.Run(context.Background(), cfg, Hooks{}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("no input: expected ErrEmptyText, got %v", err)
	}

	cfg = baseConfig(t, provider)
	cfg.Text = "   \n\t  "
	if _, err := runner.Run(context.Background(), cfg, Hooks{}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("whitespace input: expected ErrEmptyText, got %v", err)
	}

	if loads != 0 {
		t.Errorf("engine must not load for empty input, loaded %d times", loads)
	}
}

func TestRunner_Run_Validation(t *testing.T) {
	runner := newTestRunner(t, &fakeProcessor{})
	loads := 0
	provider := provideEngine(&fakeEngine{rate: 22050}, &loads)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"unsupported format", func(c *Config) { c.Format = "flac" }, ErrUnsupportedFormat},
		{"zero speed", func(c *Config) { c.Speed = 0 }, ErrInvalidSpeed},
		{"negative speed", func(c *Config) { c.Speed = -1 }, ErrInvalidSpeed},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, ErrInvalidSampleRate},
		{"nil engine", func(c *Config) { c.Engine = nil }, ErrEngineRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(t, provider)
			tt.mutate(&cfg)

			rec := &runRecorder{}
			_, err := runner.Run(context.Background(), cfg, rec.hooks())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if rec.lastStage() != StageError {
				t.Errorf("expected terminal stage %s, got %s", StageError, rec.lastStage())
			}
		})
	}
}

func TestRunner_Run_RetrySucceeds(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	engine := &fakeEngine{rate: 22050, failures: 1}
	loads := 0
	cfg := baseConfig(t, provideEngine(engine, &loads))
	rec := &runRecorder{}

	result, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !rec.hasStage(StageChunkRetry) {
		t.Error("expected a chunk_retry stage")
	}
	if engine.calls != 3 {
		t.Errorf("expected 3 synthesis calls (1 failed + 2 ok), got %d", engine.calls)
	}
	if result.ChunkCount != 2 {
		t.Errorf("expected 2 chunks, got %d", result.ChunkCount)
	}
	if rec.lastStage() != StageCompleted {
		t.Errorf("expected terminal stage %s, got %s", StageCompleted, rec.lastStage())
	}
}

func TestRunner_Run_RetryFails(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	engine := &fakeEngine{rate: 22050, failures: 2}
	loads := 0
	cfg := baseConfig(t, provideEngine(engine, &loads))
	rec := &runRecorder{}

	_, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err == nil {
		t.Fatal("expected error after exhausted retry")
	}
	if !strings.Contains(err.Error(), "engine busted") {
		t.Errorf("expected engine error in chain, got %v", err)
	}
	if engine.calls != 2 {
		t.Errorf("expected exactly 2 attempts for the failing chunk, got %d", engine.calls)
	}
	if rec.lastStage() != StageError {
		t.Errorf("expected terminal stage %s, got %s", StageError, rec.lastStage())
	}

	entries, readErr := os.ReadDir(cfg.OutputDir)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty output dir after failure, found %d entries", len(entries))
	}
}

func TestRunner_Run_CancelBetweenChunks(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	engine := &fakeEngine{rate: 22050}
	loads := 0
	cfg := baseConfig(t, provideEngine(engine, &loads))

	rec := &runRecorder{}
	hooks := rec.hooks()
	hooks.OnChunkDone = func(index int, fromCache bool) {
		rec.chunks = append(rec.chunks, chunkEvent{index: index, fromCache: fromCache})
		rec.cancel = true
	}

	_, err := runner.Run(context.Background(), cfg, hooks)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if rec.lastStage() != StageCancelled {
		t.Errorf("expected terminal stage %s, got %s", StageCancelled, rec.lastStage())
	}
	if engine.calls != 1 {
		t.Errorf("expected synthesis to stop after 1 chunk, got %d calls", engine.calls)
	}
	if proc.concatCalls != 0 {
		t.Error("concatenation must not run for a cancelled job")
	}

	entries, readErr := os.ReadDir(cfg.OutputDir)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty output dir after cancellation, found %d entries", len(entries))
	}

	// The finished chunk stays cached, so a resubmitted job resumes from it.
	resumeRec := &runRecorder{}
	resumeCfg := cfg
	resumeCfg.OutputDir = t.TempDir()

	result, err := runner.Run(context.Background(), resumeCfg, resumeRec.hooks())
	if err != nil {
		t.Fatalf("unexpected resume error: %v", err)
	}
	if result.CacheHits != 1 || result.CacheMisses != 1 {
		t.Errorf("expected resume with 1 hit / 1 miss, got %d / %d", result.CacheHits, result.CacheMisses)
	}
}

func TestRunner_Run_CancelViaContext(t *testing.T) {
	runner := newTestRunner(t, &fakeProcessor{})

	loads := 0
	cfg := baseConfig(t, provideEngine(&fakeEngine{rate: 22050}, &loads))
	rec := &runRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, cfg, rec.hooks())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if rec.lastStage() != StageCancelled {
		t.Errorf("expected terminal stage %s, got %s", StageCancelled, rec.lastStage())
	}
	if loads != 0 {
		t.Errorf("engine must not load for a cancelled context, loaded %d times", loads)
	}
}

func TestRunner_Run_TranscodeMP3(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	loads := 0
	cfg := baseConfig(t, provideEngine(&fakeEngine{rate: 22050}, &loads))
	cfg.Format = "mp3"
	rec := &runRecorder{}

	result, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if filepath.Ext(result.OutputPath) != ".mp3" {
		t.Errorf("expected .mp3 artifact, got %s", result.OutputPath)
	}
	if proc.transcodeCalls != 1 {
		t.Errorf("expected 1 transcode call, got %d", proc.transcodeCalls)
	}

	content := readFileString(t, result.OutputPath)
	if !strings.HasPrefix(content, "T:") {
		t.Errorf("expected transcoded content, got %q", content)
	}

	// The intermediate wav is removed after transcoding.
	leftovers, err := filepath.Glob(filepath.Join(cfg.OutputDir, "*_concat.wav"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Errorf("intermediate wav left behind: %v", leftovers)
	}
}

func TestRunner_Run_FormatNormalized(t *testing.T) {
	proc := &fakeProcessor{}
	runner := newTestRunner(t, proc)

	loads := 0
	cfg := baseConfig(t, provideEngine(&fakeEngine{rate: 22050}, &loads))
	cfg.Format = "  WAV "

	result, err := runner.Run(context.Background(), cfg, Hooks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Ext(result.OutputPath) != ".wav" {
		t.Errorf("expected normalized .wav artifact, got %s", result.OutputPath)
	}
	if proc.transcodeCalls != 0 {
		t.Error("wav output must not be transcoded")
	}
}

func TestRunner_Run_ConcatError(t *testing.T) {
	proc := &fakeProcessor{concatErr: errors.New("ffmpeg exploded")}
	runner := newTestRunner(t, proc)

	loads := 0
	cfg := baseConfig(t, provideEngine(&fakeEngine{rate: 22050}, &loads))
	rec := &runRecorder{}

	_, err := runner.Run(context.Background(), cfg, rec.hooks())
	if err == nil {
		t.Fatal("expected concatenation error")
	}
	if !strings.Contains(err.Error(), "concatenate chunks") {
		t.Errorf("expected concatenate wrap, got %v", err)
	}
	if rec.lastStage() != StageError {
		t.Errorf("expected terminal stage %s, got %s", StageError, rec.lastStage())
	}

	entries, readErr := os.ReadDir(cfg.OutputDir)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty output dir after failure, found %d entries", len(entries))
	}
}
