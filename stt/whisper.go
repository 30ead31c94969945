package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"node.town/scribe/pcm"
)

type WhisperCppOptions struct {
	Binary    string
	ModelPath string
	Language  string
	Threads   int
}

// WhisperCpp runs the whisper.cpp command line tool once per chunk and
// reads its full JSON output, which carries per-token offsets.
type WhisperCpp struct {
	binary string
	opts   WhisperCppOptions
	logger *log.Logger
}

func NewWhisperCpp(opts WhisperCppOptions, logger *log.Logger) (*WhisperCpp, error) {
	if opts.Binary == "" {
		opts.Binary = "whisper-cli"
	}
	if opts.Language == "" {
		opts.Language = "auto"
	}

	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %s", opts.ModelPath)
	}
	binary, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found: install whisper.cpp first", opts.Binary)
	}

	return &WhisperCpp{binary: binary, opts: opts, logger: logger}, nil
}

func (w *WhisperCpp) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	dir, err := os.MkdirTemp("", "scribe-whisper-*")
	if err != nil {
		return Transcript{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "chunk.wav")
	if err := pcm.WriteWAV(in, samples); err != nil {
		return Transcript{}, err
	}
	outBase := filepath.Join(dir, "chunk")

	cmd := exec.CommandContext(ctx, w.binary, w.args(in, outBase)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Transcript{}, ctx.Err()
		}
		w.logger.Debug("whisper-cli stderr", "stderr", stderr.String())
		return Transcript{}, fmt.Errorf("whisper-cli failed: %w", err)
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return Transcript{}, fmt.Errorf("read whisper output: %w", err)
	}

	t, err := parseWhisperJSON(data)
	if err != nil {
		return Transcript{}, err
	}
	w.logger.Debug("whisper-cli", "samples", len(samples), "segments", len(t.Segments), "took", time.Since(start))
	return t, nil
}

func (w *WhisperCpp) args(in, outBase string) []string {
	args := []string{
		"-m", w.opts.ModelPath,
		"-l", w.opts.Language,
		"-f", in,
		"-ojf",
		"-of", outBase,
		"-np",
	}
	if w.opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(w.opts.Threads))
	}
	return args
}

type whisperOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type whisperToken struct {
	Text    string         `json:"text"`
	Offsets whisperOffsets `json:"offsets"`
}

type whisperSegment struct {
	Text    string         `json:"text"`
	Offsets whisperOffsets `json:"offsets"`
	Tokens  []whisperToken `json:"tokens"`
}

type whisperOutput struct {
	Transcription []whisperSegment `json:"transcription"`
}

func parseWhisperJSON(data []byte) (Transcript, error) {
	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Transcript{}, fmt.Errorf("decode whisper output: %w", err)
	}

	t := Transcript{Segments: make([]Segment, 0, len(out.Transcription))}
	for _, s := range out.Transcription {
		t.Segments = append(t.Segments, Segment{
			Text:  s.Text,
			Start: seconds(s.Offsets.From),
			End:   seconds(s.Offsets.To),
			Words: mergeTokens(s.Tokens),
		})
	}
	return t, nil
}

// mergeTokens joins sub-word tokens into words. A token with a leading
// space starts a new word; anything else continues the current one.
func mergeTokens(tokens []whisperToken) []Word {
	var words []Word
	for _, tok := range tokens {
		if isSpecialToken(tok.Text) || strings.TrimSpace(tok.Text) == "" {
			continue
		}
		start, end := seconds(tok.Offsets.From), seconds(tok.Offsets.To)
		if len(words) == 0 || strings.HasPrefix(tok.Text, " ") {
			words = append(words, Word{Word: tok.Text, Start: start, End: end})
			continue
		}
		last := &words[len(words)-1]
		last.Word += tok.Text
		if end > last.End {
			last.End = end
		}
	}
	return words
}

func isSpecialToken(text string) bool {
	return strings.HasPrefix(text, "[_") && strings.HasSuffix(text, "]")
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}
