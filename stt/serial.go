package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"
)

var ErrClosed = errors.New("engine queue closed")

type request struct {
	ctx     context.Context
	samples []float32
	reply   chan result
}

type result struct {
	transcript Transcript
	err        error
}

// Queue gives one goroutine exclusive ownership of an engine. Requests are
// served one at a time in the order they arrive.
type Queue struct {
	engine   Engine
	requests chan request
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	logger   *log.Logger
}

func Serial(e Engine, logger *log.Logger) *Queue {
	q := &Queue{
		engine:   e,
		requests: make(chan request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			return
		case req := <-q.requests:
			if err := req.ctx.Err(); err != nil {
				req.reply <- result{err: err}
				continue
			}
			t, err := call(req.ctx, q.engine, req.samples)
			req.reply <- result{transcript: t, err: err}
		}
	}
}

// Transcribe waits for its turn. A caller whose context ends while queued
// or in flight gets the context error right away; the owner goroutine
// moves on once the backend notices the same cancellation.
func (q *Queue) Transcribe(ctx context.Context, samples []float32) (Transcript, error) {
	req := request{ctx: ctx, samples: samples, reply: make(chan result, 1)}

	select {
	case q.requests <- req:
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	case <-q.done:
		return Transcript{}, ErrClosed
	}

	select {
	case r := <-req.reply:
		return r.transcript, r.err
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}
}

// Close stops the owner goroutine after any in-flight call and releases the
// engine. Callers still waiting to be queued get ErrClosed.
func (q *Queue) Close() error {
	var err error
	q.once.Do(func() {
		close(q.done)
		<-q.stopped
		err = closeEngine(q.engine)
		q.logger.Debug("engine queue closed")
	})
	return err
}
