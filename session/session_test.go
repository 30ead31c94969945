package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"node.town/scribe/chunk"
	"node.town/scribe/pcm"
	"node.town/scribe/stt"
)

// fakeDecoder turns every input byte into one sample. Inputs starting with
// "bad" fail and "silence" decodes to nothing.
type fakeDecoder struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDecoder) Decode(ctx context.Context, in, out string) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	switch {
	case bytes.HasPrefix(data, []byte("bad")):
		return errors.New("invalid data found when processing input")
	case bytes.HasPrefix(data, []byte("silence")):
		return os.WriteFile(out, nil, 0o644)
	}
	return os.WriteFile(out, pcm.Encode(make([]float32, len(data))), 0o644)
}

// countingEngine reports the number of samples it saw as the transcript.
func countingEngine() stt.Engine {
	return stt.EngineFunc(func(ctx context.Context, samples []float32) (stt.Transcript, error) {
		n := len(samples)
		return stt.Transcript{Segments: []stt.Segment{{
			Text:  fmt.Sprintf("len %d", n),
			Start: 0,
			End:   pcm.Duration(n).Seconds(),
			Words: []stt.Word{{Word: "len", Start: 0, End: 0.1}},
		}}}, nil
	})
}

type fakeConn struct {
	in        chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte),
		written: make(chan []byte, 100),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.BinaryMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) reply(t *testing.T) Reply {
	t.Helper()
	select {
	case data := <-c.written:
		var r Reply
		if err := json.Unmarshal(data, &r); err != nil {
			t.Fatalf("bad reply %q: %v", data, err)
		}
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return Reply{}
}

func newPipeline(t *testing.T, engine stt.Engine, keep bool) (*Pipeline, *chunk.Store) {
	t.Helper()
	logger := log.New(io.Discard)
	store, err := chunk.NewStore(filepath.Join(t.TempDir(), "recordings"), logger)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	p := New("test-session", Deps{
		Store:   store,
		Decoder: &fakeDecoder{},
		Engine:  stt.NewGuard("fake", engine, time.Second, logger),
		Keep:    keep,
		Queue:   4,
	}, logger)
	return p, store
}

func TestProcessOutcomes(t *testing.T) {
	p, _ := newPipeline(t, countingEngine(), false)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
		kind Kind
		text string
	}{
		{"ok", []byte("abcd"), OK, "len 4"},
		{"empty", nil, EmptyChunk, MsgEmptyChunk},
		{"corrupt", []byte("bad header"), DecodeFailed, MsgDecodeFailed},
		{"recovers after failure", []byte("abcdef"), OK, "len 6"},
	}

	for i, tt := range tests {
		out := p.Process(ctx, tt.data)
		if out.Seq != i+1 {
			t.Errorf("%s: Seq = %d, want %d", tt.name, out.Seq, i+1)
		}
		if out.Kind != tt.kind {
			t.Errorf("%s: Kind = %v, want %v (err %v)", tt.name, out.Kind, tt.kind, out.Err)
		}
		r := out.Reply()
		if len(r.Transcription) != 1 || r.Transcription[0] != tt.text {
			t.Errorf("%s: Transcription = %q, want [%q]", tt.name, r.Transcription, tt.text)
		}
		if tt.kind != OK && len(r.WordTimestamps) != 0 {
			t.Errorf("%s: error reply has words: %+v", tt.name, r.WordTimestamps)
		}
	}

	st := p.Stats()
	if st.Received != 4 || st.Empty != 1 || st.DecodeFailed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestProcessSilence(t *testing.T) {
	called := false
	engine := stt.EngineFunc(func(ctx context.Context, samples []float32) (stt.Transcript, error) {
		called = true
		return stt.Transcript{}, nil
	})
	p, _ := newPipeline(t, engine, false)

	out := p.Process(context.Background(), []byte("silence"))
	if out.Kind != OK {
		t.Fatalf("Kind = %v, want OK (err %v)", out.Kind, out.Err)
	}
	if called {
		t.Error("engine called for silent chunk")
	}

	data, err := json.Marshal(out.Reply())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"transcription":[],"word_timestamps":[]}` {
		t.Errorf("reply = %s", data)
	}
}

func TestProcessEngineFailure(t *testing.T) {
	var calls int
	engine := stt.EngineFunc(func(ctx context.Context, samples []float32) (stt.Transcript, error) {
		calls++
		switch calls {
		case 1:
			return stt.Transcript{}, errors.New("model not loaded")
		case 2:
			panic("segfault in disguise")
		}
		return stt.Transcript{Segments: []stt.Segment{{Text: "fine"}}}, nil
	})
	p, _ := newPipeline(t, engine, false)

	for i, want := range []Kind{TranscribeFailed, TranscribeFailed, OK} {
		out := p.Process(context.Background(), []byte("abc"))
		if out.Kind != want {
			t.Errorf("chunk %d: Kind = %v, want %v (err %v)", i+1, out.Kind, want, out.Err)
		}
	}
	if got := (Outcome{Kind: TranscribeFailed}).Reply().Transcription[0]; got != MsgTranscribeFailed {
		t.Errorf("reply = %q", got)
	}
}

func TestProcessRemovesArtifacts(t *testing.T) {
	p, store := newPipeline(t, countingEngine(), false)
	p.Process(context.Background(), []byte("abcd"))

	a, _ := store.Paths("test-session", 1)
	for _, path := range []string{a.Compressed, a.Decoded} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s left behind", path)
		}
	}
}

func TestProcessKeepsArtifacts(t *testing.T) {
	p, store := newPipeline(t, countingEngine(), true)
	p.Process(context.Background(), []byte("abcd"))

	a, _ := store.Paths("test-session", 1)
	for _, path := range []string{a.Compressed, a.Decoded} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s missing: %v", path, err)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := os.Stat(a.Compressed); err != nil {
		t.Errorf("Close() removed kept artifacts: %v", err)
	}
}

func TestCloseReleasesSession(t *testing.T) {
	p, store := newPipeline(t, countingEngine(), false)
	p.Process(context.Background(), []byte("abcd"))

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "test-session")); !os.IsNotExist(err) {
		t.Error("session directory still exists")
	}
}

func TestRunRepliesInOrder(t *testing.T) {
	p, _ := newPipeline(t, countingEngine(), false)
	conn := newFakeConn()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), conn) }()

	inputs := [][]byte{
		[]byte("a"),
		{},
		[]byte("bad"),
		[]byte("abcdefgh"),
		[]byte("silence"),
		[]byte("abc"),
	}
	want := []string{"len 1", MsgEmptyChunk, MsgDecodeFailed, "len 8", "", "len 3"}

	go func() {
		for _, data := range inputs {
			conn.in <- data
		}
	}()

	for i, w := range want {
		r := conn.reply(t)
		got := strings.Join(r.Transcription, "")
		if got != w {
			t.Errorf("reply %d = %q, want %q", i+1, got, w)
		}
		if r.WordTimestamps == nil {
			t.Errorf("reply %d has null word_timestamps", i+1)
		}
	}

	close(conn.in)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after close")
	}

	if st := p.Stats(); st.Received != 6 || st.Replied != 6 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRunStopsOnDisconnect(t *testing.T) {
	started := make(chan struct{})
	engine := stt.EngineFunc(func(ctx context.Context, samples []float32) (stt.Transcript, error) {
		close(started)
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	})
	p, _ := newPipeline(t, engine, false)
	conn := newFakeConn()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), conn) }()

	conn.in <- []byte("abc")
	<-started
	conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after disconnect")
	}

	select {
	case data := <-conn.written:
		t.Errorf("reply sent after disconnect: %s", data)
	default:
	}
}

func TestRunCancelled(t *testing.T) {
	p, _ := newPipeline(t, countingEngine(), false)
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, conn) }()

	conn.in <- []byte("abc")
	conn.reply(t)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunWriteError(t *testing.T) {
	p, _ := newPipeline(t, countingEngine(), false)
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), conn) }()
	conn.in <- []byte("abc")

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "write reply") {
			t.Errorf("Run() error = %v, want write reply error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after write error")
	}
}

func TestRunCountsQueuedFragments(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	engine := stt.EngineFunc(func(ctx context.Context, samples []float32) (stt.Transcript, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	})
	p, _ := newPipeline(t, engine, false)
	conn := newFakeConn()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), conn) }()

	conn.in <- []byte("abc")
	<-started
	conn.in <- []byte("def")
	conn.in <- []byte("ghi")
	conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after disconnect")
	}

	if st := p.Stats(); st.Received != 3 || st.Replied != 0 {
		t.Errorf("Stats() = %+v, want 3 received and none replied", st)
	}
}

type panicStore struct{ Store }

func (panicStore) Write(session string, n int, data []byte) (chunk.Artifact, error) {
	panic("disk on fire")
}

type panicDecoder struct{}

func (panicDecoder) Decode(ctx context.Context, in, out string) error {
	panic("ffmpeg wrapper bug")
}

func TestProcessPanicKind(t *testing.T) {
	logger := log.New(io.Discard)
	store, err := chunk.NewStore(filepath.Join(t.TempDir(), "recordings"), logger)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	tests := []struct {
		name string
		deps Deps
		kind Kind
	}{
		{"store", Deps{Store: panicStore{store}, Decoder: &fakeDecoder{}, Engine: countingEngine()}, EmptyChunk},
		{"decoder", Deps{Store: store, Decoder: panicDecoder{}, Engine: countingEngine()}, DecodeFailed},
		{"engine", Deps{Store: store, Decoder: &fakeDecoder{}, Engine: stt.EngineFunc(
			func(ctx context.Context, samples []float32) (stt.Transcript, error) {
				panic("unguarded engine")
			})}, TranscribeFailed},
	}

	for _, tt := range tests {
		p := New("panic-"+tt.name, tt.deps, logger)
		out := p.Process(context.Background(), []byte("abcd"))
		if out.Kind != tt.kind {
			t.Errorf("%s: Kind = %v, want %v", tt.name, out.Kind, tt.kind)
		}
		if out.Err == nil || !strings.Contains(out.Err.Error(), "panic") {
			t.Errorf("%s: Err = %v", tt.name, out.Err)
		}
	}
}
