package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jijae92/LocalKoreanTTS/internal/pipeline"
	"github.com/jijae92/LocalKoreanTTS/internal/storage"
	"github.com/jijae92/LocalKoreanTTS/internal/synth"
)

var (
	// ErrNoInput is returned when a job is created without text or an input file.
	ErrNoInput = errors.New("either text or input path is required")
	// ErrInvalidBackend is returned for an unknown synthesis backend.
	ErrInvalidBackend = errors.New("invalid synthesis backend")
	// ErrJobTerminal is returned when cancelling a job that already finished.
	ErrJobTerminal = errors.New("job already in a terminal state")
	// ErrJobRunning is returned when deleting a job that is still running.
	ErrJobRunning = errors.New("job is still running")
)

// CreateInput contains the parameters for a new synthesis job.
// Text takes precedence when both Text and InputPath are given.
type CreateInput struct {
	// Text is inline text to synthesize. Spooled to a temp file on create.
	Text string
	// InputPath is a text file to synthesize instead of inline text.
	InputPath string
	// OutputDir overrides the configured artifact directory.
	OutputDir string
	// Format is the output format (wav, ogg or mp3). Empty uses the default.
	Format string
	// Speed is the speed multiplier. Zero uses the default.
	Speed float64
	// SampleRate is the requested rate in Hz. Zero uses the default.
	SampleRate int
	// SilenceMS is the inter-chunk silence. Nil uses the default; an
	// explicit zero is honored as no silence.
	SilenceMS *int
	// Backend selects the synthesis backend. Empty uses the default.
	Backend Backend
	// PushToS3 requests artifact publishing after completion.
	PushToS3 bool
}

// Defaults supplies the per-job fallbacks taken from configuration.
type Defaults struct {
	Backend    Backend
	Format     string
	Speed      float64
	SampleRate int
	SilenceMS  int
	OutputDir  string
	ModelPath  string
}

// Runner executes one synthesis run. Implemented by pipeline.Runner and
// faked in tests.
type Runner interface {
	Run(ctx context.Context, cfg pipeline.Config, hooks pipeline.Hooks) (*pipeline.Result, error)
}

// EngineFactory returns the lazy engine provider for a backend, built for
// the job's requested sample rate.
type EngineFactory func(backend Backend, sampleRate int) (synth.Provider, error)

// Service orchestrates synthesis jobs: creation, processing, cancellation
// and deletion. Per-job cancellation flags live for the lifetime of the job
// and are polled by the pipeline at its checkpoints.
type Service struct {
	repo    Repository
	runner  Runner
	store   storage.Storage
	engines EngineFactory
	logger  *slog.Logger

	defaults Defaults

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDefaults sets the per-job fallback parameters.
func WithDefaults(d Defaults) ServiceOption {
	return func(s *Service) {
		s.defaults = d
	}
}

// NewService creates a job Service.
func NewService(repo Repository, runner Runner, store storage.Storage, engines EngineFactory, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		repo:    repo,
		runner:  runner,
		store:   store,
		engines: engines,
		logger:  logger,
		defaults: Defaults{
			Backend:    BackendProcess,
			Format:     "wav",
			Speed:      1.0,
			SampleRate: 22050,
			SilenceMS:  120,
		},
		cancels: make(map[string]*atomic.Bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new job in IN_QUEUE state. Inline text is spooled to a
// temp file so a queued job does not hold its input in memory.
func (s *Service) Create(ctx context.Context, input CreateInput) (*Job, error) {
	if strings.TrimSpace(input.Text) == "" && input.InputPath == "" {
		return nil, ErrNoInput
	}

	backend := input.Backend
	if backend == "" {
		backend = s.defaults.Backend
	}
	if !backend.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, backend)
	}

	j := New()
	j.Backend = backend
	j.OutputDir = input.OutputDir
	if j.OutputDir == "" {
		j.OutputDir = s.defaults.OutputDir
	}
	j.Format = input.Format
	if j.Format == "" {
		j.Format = s.defaults.Format
	}
	j.Speed = input.Speed
	if j.Speed <= 0 {
		j.Speed = s.defaults.Speed
	}
	j.SampleRate = input.SampleRate
	if j.SampleRate <= 0 {
		j.SampleRate = s.defaults.SampleRate
	}
	j.SilenceMS = s.defaults.SilenceMS
	if input.SilenceMS != nil {
		j.SilenceMS = *input.SilenceMS
	}
	j.PushToS3 = input.PushToS3

	if strings.TrimSpace(input.Text) != "" {
		spool, err := s.store.SaveTemp(ctx, j.ID+"_input", strings.NewReader(input.Text))
		if err != nil {
			return nil, fmt.Errorf("spool inline text: %w", err)
		}
		j.SpoolPath = spool
	} else {
		j.InputPath = input.InputPath
	}

	s.logger.Info("creating new job",
		slog.String("job_id", j.ID),
		slog.String("backend", string(backend)),
		slog.String("format", j.Format),
		slog.Bool("push_to_s3", j.PushToS3),
	)

	if err := s.repo.Save(ctx, j); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.cancelFlag(j.ID)
	return j, nil
}

// Get retrieves a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns all known jobs, oldest submission first.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Process runs a queued job through the pipeline and records the outcome.
// A job cancelled before pickup is skipped without error.
func (s *Service) Process(ctx context.Context, jobID string) error {
	j, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	flag := s.cancelFlag(jobID)

	if err := j.Start(); err != nil {
		s.logger.Info("job not runnable, skipping",
			slog.String("job_id", jobID),
			slog.String("status", string(j.GetStatus())),
		)
		return nil
	}
	s.save(ctx, j)

	provider, err := s.engines(j.Backend, j.SampleRate)
	if err != nil {
		err = fmt.Errorf("select engine: %w", err)
		s.fail(ctx, j, err)
		return err
	}

	// Spooled inline text is read back here; file-backed jobs hand their
	// path straight to the pipeline.
	var text string
	if j.SpoolPath != "" {
		text, err = s.readSpool(ctx, j.SpoolPath)
		if err != nil {
			s.fail(ctx, j, err)
			return err
		}
	}

	cfg := pipeline.Config{
		JobTag:     j.ID,
		Text:       text,
		InputPath:  j.InputPath,
		OutputDir:  j.OutputDir,
		Format:     j.Format,
		ModelPath:  s.defaults.ModelPath,
		Speed:      j.Speed,
		SampleRate: j.SampleRate,
		Silence:    float64(j.SilenceMS) / 1000.0,
		Engine:     provider,
	}
	hooks := pipeline.Hooks{
		ShouldCancel: flag.Load,
		OnStage: func(stage pipeline.Stage, _ string) {
			j.SetStage(stage)
			s.save(ctx, j)
		},
		OnProgress: func(done, total int) {
			j.SetProgress(done, total)
			s.save(ctx, j)
		},
		OnChunkDone: func(_ int, fromCache bool) {
			j.RecordChunk(fromCache)
		},
		OnLog: func(msg string) {
			s.logger.Info(msg, slog.String("job_id", j.ID))
		},
	}

	result, err := s.runner.Run(ctx, cfg, hooks)
	switch {
	case err == nil:
		j.SetOutput(result.OutputPath, result.MetaPath, result.ShaPath)
		if j.PushToS3 {
			s.publish(ctx, j)
		}
		_ = j.Complete()
		s.save(ctx, j)
		return nil
	case pipeline.IsCancellation(err):
		_ = j.Cancel()
		s.save(ctx, j)
		return nil
	default:
		s.fail(ctx, j, err)
		return err
	}
}

// Cancel stops a job. A queued job goes straight to CANCELLED; a running
// job has its cancel flag raised and stops at the next pipeline checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) error {
	j, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return ErrJobTerminal
	}

	// Raise the flag first so a job picked up mid-call still stops.
	s.cancelFlag(id).Store(true)

	if j.GetStatus() == StatusInQueue {
		if err := j.Cancel(); err == nil {
			s.save(ctx, j)
		}
	}

	s.logger.Info("job cancel requested", slog.String("job_id", id))
	return nil
}

// Delete removes a job and its files. Running jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	j, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if j.GetStatus() == StatusRunning {
		return ErrJobRunning
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.dropCancelFlag(id)

	var leftovers []string
	for _, p := range []string{j.SpoolPath, j.OutputPath, j.MetaPath, j.ShaPath} {
		if p != "" {
			leftovers = append(leftovers, p)
		}
	}
	if len(leftovers) > 0 {
		if err := s.store.CleanupTemp(ctx, leftovers); err != nil {
			s.logger.Warn("failed to remove job files",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("job deleted", slog.String("job_id", id))
	return nil
}

// publish uploads the artifact and records its URL. A failed upload keeps
// the job completed; the artifact is still available locally.
func (s *Service) publish(ctx context.Context, j *Job) {
	r, err := s.store.LoadTemp(ctx, j.OutputPath)
	if err != nil {
		s.logger.Warn("artifact publish failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = r.Close() }()

	key := j.ID + "/" + filepath.Base(j.OutputPath)
	url, err := s.store.Publish(ctx, key, r)
	if err != nil {
		s.logger.Warn("artifact publish failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	j.SetArtifactURL(url)
	s.logger.Info("artifact published",
		slog.String("job_id", j.ID),
		slog.String("url", url),
	)
}

func (s *Service) readSpool(ctx context.Context, path string) (string, error) {
	r, err := s.store.LoadTemp(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read spooled text: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read spooled text: %w", err)
	}
	return string(data), nil
}

func (s *Service) fail(ctx context.Context, j *Job, err error) {
	_ = j.Fail(err.Error())
	s.save(ctx, j)
}

// save persists the job, logging instead of propagating repository errors
// so a persistence hiccup cannot abort a synthesis run.
func (s *Service) save(ctx context.Context, j *Job) {
	if err := s.repo.Save(ctx, j); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

// cancelFlag returns the job's cancellation flag, creating it on first use.
func (s *Service) cancelFlag(id string) *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.cancels[id]
	if !ok {
		flag = &atomic.Bool{}
		s.cancels[id] = flag
	}
	return flag
}

func (s *Service) dropCancelFlag(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}
