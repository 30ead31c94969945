// Package ffmpeg turns compressed audio into the fixed waveform format the
// rest of the pipeline expects: mono, 16-bit signed little-endian PCM at
// 16 kHz.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	SampleRate = 16000
	Channels   = 1
)

// DecodeError is returned for any failure to produce decoded output.
type DecodeError struct {
	Op     string
	Path   string
	Stderr string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("ffmpeg %s %s: %v", e.Op, e.Path, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

var (
	ErrMissingInput = errors.New("input missing or unreadable")
	ErrEmptyInput   = errors.New("input is empty")
	ErrEmptyOutput  = errors.New("decoder produced no output")
)

type Options struct {
	Path    string
	Timeout time.Duration
}

type Decoder struct {
	path    string
	timeout time.Duration
	logger  *log.Logger
}

func New(opts Options, logger *log.Logger) *Decoder {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Decoder{path: opts.Path, timeout: opts.Timeout, logger: logger}
}

// Decode writes raw s16le PCM decoded from in to out, overwriting out.
func (d *Decoder) Decode(ctx context.Context, in, out string) error {
	args := append(d.inputArgs(in),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-fflags", "+bitexact",
		out,
	)
	if err := d.run(ctx, "decode", in, args); err != nil {
		os.Remove(out)
		return err
	}

	fi, err := os.Stat(out)
	if err != nil {
		return &DecodeError{Op: "decode", Path: in, Err: err}
	}
	// a container without audio frames decodes to an empty file: silence
	if fi.Size() == 0 {
		d.logger.Debug("decoded to nothing", "in", in)
	}
	return nil
}

// Convert is the one-shot full file conversion: a WAV container with the
// same target parameters. Running it twice on the same input gives the same
// output.
func (d *Decoder) Convert(ctx context.Context, in, out string) error {
	args := append(d.inputArgs(in),
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprint(SampleRate),
		"-ac", fmt.Sprint(Channels),
		"-fflags", "+bitexact",
		"-map_metadata", "-1",
		"-f", "wav",
		out,
	)
	if err := d.run(ctx, "convert", in, args); err != nil {
		return err
	}

	fi, err := os.Stat(out)
	if err != nil {
		return &DecodeError{Op: "convert", Path: in, Err: err}
	}
	if fi.Size() == 0 {
		return &DecodeError{Op: "convert", Path: in, Err: ErrEmptyOutput}
	}
	return nil
}

func (d *Decoder) inputArgs(in string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-y",
		"-i", in,
		"-vn",
	}
}

func (d *Decoder) run(ctx context.Context, op, in string, args []string) error {
	fi, err := os.Stat(in)
	if err != nil {
		return &DecodeError{Op: op, Path: in, Err: fmt.Errorf("%w: %v", ErrMissingInput, err)}
	}
	if fi.Size() == 0 {
		return &DecodeError{Op: op, Path: in, Err: ErrEmptyInput}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		d.logger.Warn(op+" failed", "in", in, "took", elapsed, "error", err)
		return &DecodeError{Op: op, Path: in, Stderr: tail(stderr.String(), 512), Err: err}
	}

	d.logger.Debug(op, "in", in, "took", elapsed)
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
