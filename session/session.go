// Package session runs the per-connection transcription pipeline.
//
// A Pipeline owns one connection. Fragments are read on one goroutine and
// processed on another, strictly in arrival order, and every fragment gets
// exactly one reply: either its transcript or a fixed error message.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"node.town/scribe/chunk"
	"node.town/scribe/pcm"
	"node.town/scribe/stt"
)

type Store interface {
	Write(session string, n int, data []byte) (chunk.Artifact, error)
	Release(session string) error
}

type Decoder interface {
	Decode(ctx context.Context, in, out string) error
}

// Conn is the part of *websocket.Conn the pipeline uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Deps struct {
	Store   Store
	Decoder Decoder
	Engine  stt.Engine

	// Keep leaves chunk files on disk after they are processed.
	Keep bool
	// Queue bounds how many received fragments may wait for the worker.
	Queue int
}

type Fragment struct {
	Session string
	Seq     int
	Data    []byte
}

type Stats struct {
	Received         int64
	Replied          int64
	Empty            int64
	DecodeFailed     int64
	TranscribeFailed int64
}

type Pipeline struct {
	id     string
	deps   Deps
	logger *log.Logger

	seq              atomic.Int64
	received         atomic.Int64
	replied          atomic.Int64
	empty            atomic.Int64
	decodeFailed     atomic.Int64
	transcribeFailed atomic.Int64

	closeOnce sync.Once
}

func New(id string, deps Deps, logger *log.Logger) *Pipeline {
	if deps.Queue <= 0 {
		deps.Queue = 16
	}
	return &Pipeline{
		id:     id,
		deps:   deps,
		logger: logger.With("session", id),
	}
}

func (p *Pipeline) ID() string {
	return p.id
}

// Process numbers one fragment and runs it through store, decoder, loader
// and engine, reporting what happened. It never panics.
func (p *Pipeline) Process(ctx context.Context, data []byte) Outcome {
	return p.process(ctx, p.receive(data))
}

// receive assigns the next sequence number and counts the fragment.
func (p *Pipeline) receive(data []byte) Fragment {
	p.received.Add(1)
	return Fragment{
		Session: p.id,
		Seq:     int(p.seq.Add(1)),
		Data:    data,
	}
}

func (p *Pipeline) process(ctx context.Context, f Fragment) (out Outcome) {
	stage := EmptyChunk
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic", "n", f.Seq, "stage", stage, "panic", r)
			out = Outcome{Seq: f.Seq, Kind: stage, Err: fmt.Errorf("panic: %v", r)}
		}
		p.count(out)
	}()

	return p.handle(ctx, f, &stage)
}

// handle records in stage the failure kind of the step it is running.
func (p *Pipeline) handle(ctx context.Context, f Fragment, stage *Kind) Outcome {
	start := time.Now()

	*stage = EmptyChunk
	a, err := p.deps.Store.Write(f.Session, f.Seq, f.Data)
	if err != nil {
		p.logger.Warn("empty chunk", "n", f.Seq, "bytes", len(f.Data), "error", err)
		return Outcome{Seq: f.Seq, Kind: EmptyChunk, Err: err}
	}
	if !p.deps.Keep {
		defer func() {
			if err := a.Remove(); err != nil {
				p.logger.Warn("remove chunk", "n", f.Seq, "error", err)
			}
		}()
	}

	*stage = DecodeFailed
	if err := p.deps.Decoder.Decode(ctx, a.Compressed, a.Decoded); err != nil {
		p.logger.Warn("decode failed", "n", f.Seq, "error", err)
		return Outcome{Seq: f.Seq, Kind: DecodeFailed, Err: err}
	}

	samples, err := pcm.Load(a.Decoded)
	if err != nil {
		p.logger.Warn("load failed", "n", f.Seq, "error", err)
		return Outcome{Seq: f.Seq, Kind: DecodeFailed, Err: err}
	}

	*stage = TranscribeFailed
	t, err := p.deps.Engine.Transcribe(ctx, samples)
	if err != nil {
		p.logger.Warn("transcribe failed", "n", f.Seq, "error", err)
		return Outcome{Seq: f.Seq, Kind: TranscribeFailed, Err: err}
	}

	p.logger.Info("chunk",
		"n", f.Seq,
		"bytes", len(f.Data),
		"audio", pcm.Duration(len(samples)),
		"segments", len(t.Segments),
		"took", time.Since(start),
	)
	return Outcome{Seq: f.Seq, Kind: OK, Transcript: t}
}

func (p *Pipeline) count(o Outcome) {
	switch o.Kind {
	case EmptyChunk:
		p.empty.Add(1)
	case DecodeFailed:
		p.decodeFailed.Add(1)
	case TranscribeFailed:
		p.transcribeFailed.Add(1)
	}
}

// Run serves the connection until the client goes away, the context ends,
// or a reply cannot be written. A normal close returns nil.
func (p *Pipeline) Run(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan Fragment, p.deps.Queue)

	g.Go(func() error {
		defer cancel()
		defer close(queue)
		return p.read(ctx, conn, queue)
	})

	g.Go(func() error {
		return p.work(ctx, conn, queue)
	})

	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return nil
	})

	err := g.Wait()
	st := p.Stats()
	p.logger.Info("done", "received", st.Received, "replied", st.Replied, "error", err)
	return err
}

func (p *Pipeline) read(ctx context.Context, conn Conn, queue chan<- Fragment) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}
			return fmt.Errorf("read fragment: %w", err)
		}

		select {
		case queue <- p.receive(data):
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline) work(ctx context.Context, conn Conn, queue <-chan Fragment) error {
	for f := range queue {
		if ctx.Err() != nil {
			return nil
		}

		out := p.process(ctx, f)
		if ctx.Err() != nil {
			// the client is gone; nobody is left to read the reply
			return nil
		}

		msg, err := json.Marshal(out.Reply())
		if err != nil {
			return fmt.Errorf("encode reply: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write reply: %w", err)
		}
		p.replied.Add(1)
	}
	return nil
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure ||
			ce.Code == websocket.CloseGoingAway ||
			ce.Code == websocket.CloseNoStatusReceived
	}
	return false
}

// Close releases the session's files. Safe to call more than once.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.deps.Keep {
			return
		}
		err = p.deps.Store.Release(p.id)
	})
	return err
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:         p.received.Load(),
		Replied:          p.replied.Load(),
		Empty:            p.empty.Load(),
		DecodeFailed:     p.decodeFailed.Load(),
		TranscribeFailed: p.transcribeFailed.Load(),
	}
}
