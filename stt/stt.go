// Package stt turns a chunk of 16 kHz mono samples into timestamped text.
//
// Every backend is wrapped so that callers see the same behaviour: empty
// input never reaches the backend, results are normalised, panics come back
// as errors, and unless the backend is declared concurrent all calls pass
// through a single-owner queue.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"node.town/scribe/config"
)

type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Segment struct {
	Text  string
	Start float64
	End   float64
	Words []Word
}

type Transcript struct {
	Segments []Segment
}

// Texts returns the segment texts in order, never nil.
func (t Transcript) Texts() []string {
	texts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		texts = append(texts, s.Text)
	}
	return texts
}

// Words flattens the words of all segments ordered by start time, never
// nil. Backends may put a word in a segment that starts after it, so the
// order across segments is restored here.
func (t Transcript) Words() []Word {
	words := make([]Word, 0)
	for _, s := range t.Segments {
		words = append(words, s.Words...)
	}
	sort.SliceStable(words, func(i, j int) bool {
		return words[i].Start < words[j].Start
	})
	return words
}

func (t Transcript) Empty() bool {
	return len(t.Segments) == 0
}

type Engine interface {
	Transcribe(ctx context.Context, samples []float32) (Transcript, error)
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc func(ctx context.Context, samples []float32) (Transcript, error)

func (f EngineFunc) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	return f(ctx, samples)
}

var ErrPanic = errors.New("engine panicked")

var markerPattern = regexp.MustCompile(`^(\[[^\]]*\]|\([^)]*\)|\*[^*]*\*)$`)

// IsMarker reports whether text is a non-speech annotation such as
// [BLANK_AUDIO] or (music) rather than transcribed speech.
func IsMarker(text string) bool {
	return markerPattern.MatchString(strings.TrimSpace(text))
}

// Normalize puts a raw backend result into canonical form: blank and
// non-speech segments dropped, segments and their words ordered by start
// time, and no interval ending before it starts.
func Normalize(t Transcript) Transcript {
	segments := make([]Segment, 0, len(t.Segments))
	for _, s := range t.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" || IsMarker(s.Text) {
			continue
		}
		s.Start, s.End = interval(s.Start, s.End)

		words := make([]Word, 0, len(s.Words))
		for _, w := range s.Words {
			w.Word = strings.TrimSpace(w.Word)
			if w.Word == "" || IsMarker(w.Word) {
				continue
			}
			w.Start, w.End = interval(w.Start, w.End)
			words = append(words, w)
		}
		sort.SliceStable(words, func(i, j int) bool {
			return words[i].Start < words[j].Start
		})
		s.Words = words
		segments = append(segments, s)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
	return Transcript{Segments: segments}
}

func interval(start, end float64) (float64, float64) {
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return start, end
}

// call runs one transcription and turns a panic into an error.
func call(ctx context.Context, e Engine, samples []float32) (t Transcript, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return e.Transcribe(ctx, samples)
}

// Guard applies the behaviour shared by every backend.
type Guard struct {
	engine  Engine
	name    string
	timeout time.Duration
	logger  *log.Logger
}

func NewGuard(name string, e Engine, timeout time.Duration, logger *log.Logger) *Guard {
	return &Guard{engine: e, name: name, timeout: timeout, logger: logger}
}

func (g *Guard) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	if len(samples) == 0 {
		return Transcript{Segments: []Segment{}}, nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	t, err := call(ctx, g.engine, samples)
	if err != nil {
		g.logger.Warn("transcribe failed", "backend", g.name, "samples", len(samples), "error", err)
		return Transcript{}, fmt.Errorf("%s: %w", g.name, err)
	}

	t = Normalize(t)
	g.logger.Debug("transcribed", "backend", g.name, "samples", len(samples), "segments", len(t.Segments), "took", time.Since(start))
	return t, nil
}

func (g *Guard) Close() error {
	return closeEngine(g.engine)
}

func closeEngine(e Engine) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close releases whatever the engine holds, if anything.
func Close(e Engine) error {
	return closeEngine(e)
}

// New builds the configured backend with the shared guard and, unless the
// backend is declared concurrent, the serial queue in front of it.
func New(ctx context.Context, cfg config.Engine, logger *log.Logger) (Engine, error) {
	var (
		backend Engine
		err     error
	)
	switch cfg.Backend {
	case "whisper-cpp":
		backend, err = NewWhisperCpp(WhisperCppOptions{
			Binary:    cfg.Binary,
			ModelPath: cfg.ModelPath,
			Language:  cfg.Language,
			Threads:   cfg.Threads,
		}, logger)
	case "openai":
		backend = NewOpenAI(OpenAIOptions{
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, logger)
	case "gemini":
		backend, err = NewGemini(ctx, GeminiOptions{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		}, logger)
	default:
		err = fmt.Errorf("unsupported backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s engine: %w", cfg.Backend, err)
	}

	var engine Engine = NewGuard(cfg.Backend, backend, cfg.Timeout, logger)
	if !cfg.Concurrent {
		engine = Serial(engine, logger)
	}
	logger.Info("engine", "backend", cfg.Backend, "model", cfg.Model, "concurrent", cfg.Concurrent)
	return engine, nil
}
