package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jijae92/LocalKoreanTTS/internal/audio"
)

// Static errors for media operations.
var (
	// ErrNoInputs is returned when no audio chunks are provided for assembly.
	ErrNoInputs = errors.New("no audio inputs provided")
	// ErrMismatchedInputs is returned when chunks disagree on sample rate, channel count or sample width.
	ErrMismatchedInputs = errors.New("audio inputs disagree on sample rate, channels or sample width")
	// ErrBinaryNotFound is returned when the ffmpeg binary cannot be located.
	ErrBinaryNotFound = errors.New("ffmpeg binary not found")
)

// FFmpegProcessor implements Processor using the ffmpeg CLI.
type FFmpegProcessor struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegProcessor{ffmpegPath: ffmpegPath}
}

// ConcatWithSilence joins WAV chunks into a single WAV file with silenceSec
// seconds of silence between consecutive chunks. The result is written to a
// temporary name and renamed into place so readers never observe a partial
// file.
func (p *FFmpegProcessor) ConcatWithSilence(ctx context.Context, inputs []string, output string, silenceSec float64) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}

	info, err := p.probeInputs(inputs)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// A single chunk with no silence to insert is a plain copy.
	if len(inputs) == 1 && silenceSec <= 0 {
		return p.copyFile(inputs[0], output)
	}

	var silencePath string
	if silenceSec > 0 && len(inputs) > 1 {
		silencePath, err = p.makeSilence(ctx, filepath.Dir(output), info, silenceSec)
		if err != nil {
			return err
		}
		defer func() { _ = os.Remove(silencePath) }()
	}

	var files []string
	for i, in := range inputs {
		if i > 0 && silencePath != "" {
			files = append(files, silencePath)
		}
		files = append(files, in)
	}

	args := []string{"-y"}
	for _, f := range files {
		args = append(args, "-i", f)
	}

	var labels strings.Builder
	for i := range files {
		fmt.Fprintf(&labels, "[%d:a]", i)
	}
	filter := fmt.Sprintf("%sconcat=n=%d:v=0:a=1[aout]", labels.String(), len(files))

	tmp := output + ".part"
	args = append(args,
		"-filter_complex", filter,
		"-map", "[aout]",
		"-c:a", "pcm_s16le",
		"-ar", strconv.Itoa(info.SampleRate),
		"-ac", strconv.Itoa(info.Channels),
		"-f", "wav",
		tmp,
	)

	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// Transcode converts a WAV file into the format named by the output
// extension. Unknown extensions fall back to PCM WAV.
func (p *FFmpegProcessor) Transcode(ctx context.Context, input, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ext := filepath.Ext(output)
	tmp := output + ".part"
	args := []string{
		"-y",
		"-i", input,
		"-c:a", codecFor(ext),
		"-f", muxerFor(ext),
		tmp,
	}

	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, output); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// codecFor maps an output extension to the ffmpeg audio codec.
func codecFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "libmp3lame"
	case ".ogg":
		return "libvorbis"
	default:
		return "pcm_s16le"
	}
}

// muxerFor maps an output extension to the ffmpeg container format. The
// muxer is passed explicitly because intermediate files carry a .part
// suffix that ffmpeg cannot infer a format from.
func muxerFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "mp3"
	case ".ogg":
		return "ogg"
	default:
		return "wav"
	}
}

// probeInputs verifies that every chunk shares one format and returns it.
func (p *FFmpegProcessor) probeInputs(inputs []string) (audio.Info, error) {
	first, err := audio.ReadInfo(inputs[0])
	if err != nil {
		return audio.Info{}, fmt.Errorf("probe %s: %w", inputs[0], err)
	}
	for _, in := range inputs[1:] {
		info, err := audio.ReadInfo(in)
		if err != nil {
			return audio.Info{}, fmt.Errorf("probe %s: %w", in, err)
		}
		if info.SampleRate != first.SampleRate || info.Channels != first.Channels || info.BitsPerSample != first.BitsPerSample {
			return audio.Info{}, fmt.Errorf("%w: %s is %dHz/%dch/%d-bit, %s is %dHz/%dch/%d-bit",
				ErrMismatchedInputs,
				inputs[0], first.SampleRate, first.Channels, first.BitsPerSample,
				in, info.SampleRate, info.Channels, info.BitsPerSample)
		}
	}
	return first, nil
}

// makeSilence renders silenceSec seconds of silence matching the chunk format.
func (p *FFmpegProcessor) makeSilence(ctx context.Context, dir string, info audio.Info, silenceSec float64) (string, error) {
	f, err := os.CreateTemp(dir, "silence-*.wav")
	if err != nil {
		return "", fmt.Errorf("create silence file: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	var layout string
	switch info.Channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	default:
		layout = fmt.Sprintf("%dc", info.Channels)
	}

	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=channel_layout=%s:sample_rate=%d", layout, info.SampleRate),
		"-t", fmt.Sprintf("%.3f", silenceSec),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		path,
	}
	if err := p.runFFmpeg(ctx, args); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// copyFile copies src to dst through a temporary name in the same directory.
func (p *FFmpegProcessor) copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".part"
	out, err := os.Create(tmp) // #nosec G304 - dst is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy audio: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close destination file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBinaryNotFound, p.ffmpegPath)
		}
		return &FFmpegError{
			Args:   full,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// Verify interface implementation at compile time.
var _ Processor = (*FFmpegProcessor)(nil)
