package session

import (
	"encoding/json"

	"node.town/scribe/stt"
)

const (
	MsgEmptyChunk       = "Error: Empty or corrupted audio chunk"
	MsgDecodeFailed     = "Error: FFmpeg conversion failed"
	MsgTranscribeFailed = "Error: Transcription failed"
)

type Kind int

const (
	OK Kind = iota
	EmptyChunk
	DecodeFailed
	TranscribeFailed
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case EmptyChunk:
		return "empty"
	case DecodeFailed:
		return "decode_failed"
	case TranscribeFailed:
		return "transcribe_failed"
	}
	return "unknown"
}

// Outcome is the result of processing one fragment. Every fragment has
// exactly one.
type Outcome struct {
	Seq        int
	Kind       Kind
	Transcript stt.Transcript
	Err        error
}

// Reply is the JSON payload sent back for a fragment.
type Reply struct {
	Transcription  []string   `json:"transcription"`
	WordTimestamps []stt.Word `json:"word_timestamps"`
}

func errorReply(msg string) Reply {
	return Reply{Transcription: []string{msg}, WordTimestamps: []stt.Word{}}
}

func (o Outcome) Reply() Reply {
	switch o.Kind {
	case OK:
		return Reply{
			Transcription:  o.Transcript.Texts(),
			WordTimestamps: o.Transcript.Words(),
		}
	case EmptyChunk:
		return errorReply(MsgEmptyChunk)
	case DecodeFailed:
		return errorReply(MsgDecodeFailed)
	default:
		return errorReply(MsgTranscribeFailed)
	}
}

func (r Reply) MarshalJSON() ([]byte, error) {
	type plain Reply
	if r.Transcription == nil {
		r.Transcription = []string{}
	}
	if r.WordTimestamps == nil {
		r.WordTimestamps = []stt.Word{}
	}
	return json.Marshal(plain(r))
}
