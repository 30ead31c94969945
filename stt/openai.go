package stt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sashabaranov/go-openai"
	"node.town/scribe/pcm"
)

type OpenAIOptions struct {
	APIKey   string
	Model    string
	Language string
	BaseURL  string
}

// OpenAI sends each chunk to the hosted transcription endpoint, asking for
// both segment and word timestamps.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
	logger *log.Logger
}

func NewOpenAI(opts OpenAIOptions, logger *log.Logger) *OpenAI {
	if opts.Model == "" {
		opts.Model = openai.Whisper1
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		logger: logger,
	}
}

func (a *OpenAI) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	req := openai.AudioRequest{
		Model:    a.opts.Model,
		Reader:   bytes.NewReader(pcm.EncodeWAV(samples)),
		FilePath: "chunk.wav",
		Language: a.opts.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		},
	}

	start := time.Now()
	resp, err := a.client.CreateTranscription(ctx, req)
	if err != nil {
		return Transcript{}, fmt.Errorf("openai transcription: %w", err)
	}
	a.logger.Debug("openai", "samples", len(samples), "segments", len(resp.Segments), "words", len(resp.Words), "took", time.Since(start))

	return fromOpenAI(resp), nil
}

func fromOpenAI(resp openai.AudioResponse) Transcript {
	t := Transcript{Segments: make([]Segment, 0, len(resp.Segments))}
	for _, s := range resp.Segments {
		t.Segments = append(t.Segments, Segment{Text: s.Text, Start: s.Start, End: s.End})
	}

	// no segments but text: one segment spanning the words
	if len(t.Segments) == 0 && resp.Text != "" {
		seg := Segment{Text: resp.Text}
		if n := len(resp.Words); n > 0 {
			seg.Start, seg.End = resp.Words[0].Start, resp.Words[n-1].End
		}
		t.Segments = append(t.Segments, seg)
	}
	if len(t.Segments) == 0 {
		return t
	}

	for _, w := range resp.Words {
		i := segmentFor(t.Segments, w.Start)
		t.Segments[i].Words = append(t.Segments[i].Words, Word{Word: w.Word, Start: w.Start, End: w.End})
	}
	return t
}

// segmentFor picks the last segment starting at or before at.
func segmentFor(segments []Segment, at float64) int {
	idx := 0
	for i, s := range segments {
		if s.Start <= at {
			idx = i
		}
	}
	return idx
}
