package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"node.town/scribe/pcm"
)

type GeminiOptions struct {
	APIKey   string
	Model    string
	Language string
}

// Gemini sends the chunk inline as WAV and constrains the reply to a JSON
// schema of segments and words.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	logger *log.Logger
}

func NewGemini(ctx context.Context, opts GeminiOptions, logger *log.Logger) (*Gemini, error) {
	if opts.Model == "" {
		opts.Model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{
		client: client,
		model:  setupGenerativeModel(client, opts),
		logger: logger,
	}, nil
}

func setupGenerativeModel(client *genai.Client, opts GeminiOptions) *genai.GenerativeModel {
	model := client.GenerativeModel(opts.Model)
	model.GenerationConfig.SetTemperature(0)
	model.GenerationConfig.SetTopP(1.0)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = transcriptSchema

	prompt := `Transcribe the speech in this audio clip verbatim, with punctuation.
Return one segment per sentence. Every segment lists its words in order.
All times are in seconds from the start of the clip.
If there is no speech, return an empty list of segments.`
	if opts.Language != "" && opts.Language != "auto" {
		prompt += "\nThe language is " + opts.Language + "."
	}
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt)},
	}
	return model
}

var transcriptSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"segments": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"text":  {Type: genai.TypeString},
					"start": {Type: genai.TypeNumber},
					"end":   {Type: genai.TypeNumber},
					"words": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"word":  {Type: genai.TypeString},
								"start": {Type: genai.TypeNumber},
								"end":   {Type: genai.TypeNumber},
							},
							Required: []string{"word", "start", "end"},
						},
					},
				},
				Required: []string{"text", "start", "end", "words"},
			},
		},
	},
	Required: []string{"segments"},
}

func (g *Gemini) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	start := time.Now()
	resp, err := g.model.GenerateContent(ctx,
		genai.Blob{MIMEType: "audio/wav", Data: pcm.EncodeWAV(samples)},
		genai.Text("Transcribe this clip."),
	)
	if err != nil {
		return Transcript{}, fmt.Errorf("gemini generate: %w", err)
	}

	t, err := parseGeminiJSON(getResponseText(resp))
	if err != nil {
		return Transcript{}, err
	}
	g.logger.Debug("gemini", "samples", len(samples), "segments", len(t.Segments), "took", time.Since(start))
	return t, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

type geminiTranscript struct {
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Words []Word  `json:"words"`
	} `json:"segments"`
}

func parseGeminiJSON(text string) (Transcript, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Transcript{}, fmt.Errorf("gemini returned no content")
	}

	var out geminiTranscript
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Transcript{}, fmt.Errorf("decode gemini output: %w", err)
	}

	t := Transcript{Segments: make([]Segment, 0, len(out.Segments))}
	for _, s := range out.Segments {
		t.Segments = append(t.Segments, Segment{Text: s.Text, Start: s.Start, End: s.End, Words: s.Words})
	}
	return t, nil
}

func getResponseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
