package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcessEngine synthesizes speech by spawning a local model runner binary
// per chunk. The chunk text is written to the binary's stdin and the WAV
// payload is read back from its stdout, so any runner that speaks this
// convention can serve as the voice.
type ProcessEngine struct {
	binPath    string
	modelPath  string
	sampleRate int
}

// NewProcessEngine creates a process-backed engine. The model directory is
// verified up front so a missing or incomplete voice fails the job before
// any chunk is attempted.
func NewProcessEngine(binPath, modelPath string, sampleRate int) (*ProcessEngine, error) {
	if binPath == "" {
		return nil, ErrBinaryRequired
	}
	if err := CheckModelDir(modelPath); err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(modelPath); err == nil {
		modelPath = abs
	}
	return &ProcessEngine{
		binPath:    binPath,
		modelPath:  modelPath,
		sampleRate: sampleRate,
	}, nil
}

// Synthesize implements Engine by running the model binary once per chunk.
func (e *ProcessEngine) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	args := []string{
		"--model", e.modelPath,
		"--sample-rate", strconv.Itoa(e.sampleRate),
		"--speed", strconv.FormatFloat(speed, 'f', -1, 64),
	}

	// #nosec G204 - binary path comes from configuration, not request input
	cmd := exec.CommandContext(ctx, e.binPath, args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("synth: cancelled: %w", ctx.Err())
		}
		return nil, &SynthesisError{
			Engine: "process",
			Err:    fmt.Errorf("%s: %w, stderr: %s", e.binPath, err, strings.TrimSpace(stderr.String())),
		}
	}

	audio := stdout.Bytes()
	if len(audio) == 0 {
		return nil, &SynthesisError{Engine: "process", Err: ErrEmptyAudio}
	}
	return audio, nil
}

// SampleRate implements Engine.
func (e *ProcessEngine) SampleRate() int {
	return e.sampleRate
}

// CheckModelDir verifies that path holds a usable voice model: a directory
// containing config.json and at least one *.pth or *.pt weight file.
func CheckModelDir(path string) error {
	if path == "" {
		return ErrModelPathRequired
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("synth: model path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("synth: model path %s is not a directory", path)
	}

	if _, err := os.Stat(filepath.Join(path, "config.json")); err != nil {
		return fmt.Errorf("%w in %s", ErrModelConfigMissing, path)
	}

	weights, _ := filepath.Glob(filepath.Join(path, "*.pth"))
	if len(weights) == 0 {
		weights, _ = filepath.Glob(filepath.Join(path, "*.pt"))
	}
	if len(weights) == 0 {
		return fmt.Errorf("%w in %s", ErrModelWeightsMissing, path)
	}

	return nil
}

// Verify interface implementation at compile time.
var _ Engine = (*ProcessEngine)(nil)
