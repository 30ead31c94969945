package chunk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "recordings"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return s
}

func TestWrite(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Write("session-a", 1, []byte{0x1a, 0x45, 0xdf, 0xa3})
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if a.Size != 4 {
		t.Errorf("Size = %d, want 4", a.Size)
	}

	data, err := os.ReadFile(a.Compressed)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) != 4 || data[0] != 0x1a {
		t.Errorf("artifact contents = %v", data)
	}
	if filepath.Base(a.Compressed) != "chunk_1.webm" {
		t.Errorf("Compressed = %q", a.Compressed)
	}
	if filepath.Base(a.Decoded) != "chunk_1.pcm" {
		t.Errorf("Decoded = %q", a.Decoded)
	}
}

func TestWriteEmpty(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Write("session-a", 1, nil)
	if !errors.Is(err, ErrEmptyChunk) {
		t.Fatalf("Write() error = %v, want ErrEmptyChunk", err)
	}
	if _, err := os.Stat(a.Compressed); !os.IsNotExist(err) {
		t.Errorf("empty chunk should not leave a file behind, stat err = %v", err)
	}
}

func TestWriteRejectsUnsafeSession(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "..", "../escape", "a/b", "with space"} {
		if _, err := s.Write(id, 1, []byte{1}); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Write(%q) error = %v, want ErrInvalidSession", id, err)
		}
	}
}

func TestPathsNeverCollideAcrossSessions(t *testing.T) {
	s := newTestStore(t)

	seen := make(map[string]string)
	for _, session := range []string{"alpha", "beta", "alpha1", "1"} {
		for n := 1; n <= 20; n++ {
			a, err := s.Paths(session, n)
			if err != nil {
				t.Fatalf("Paths() error: %v", err)
			}
			for _, p := range []string{a.Compressed, a.Decoded} {
				if owner, ok := seen[p]; ok {
					t.Fatalf("path %q used by %s and %s/%d", p, owner, session, n)
				}
				seen[p] = session
			}
		}
	}
}

func TestArtifactRemove(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Write("session-a", 3, []byte("data"))
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := os.WriteFile(a.Decoded, []byte{0, 0}, 0o644); err != nil {
		t.Fatalf("write decoded: %v", err)
	}

	if err := a.Remove(); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	for _, p := range []string{a.Compressed, a.Decoded} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}

	// a second remove is a no-op
	if err := a.Remove(); err != nil {
		t.Errorf("second Remove() error: %v", err)
	}
}

func TestReleaseAndList(t *testing.T) {
	s := newTestStore(t)

	for n := 1; n <= 3; n++ {
		if _, err := s.Write("keep", n, []byte("abc")); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if _, err := s.Write("drop", 1, []byte("abc")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if err := s.Release("drop"); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	sessions, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("List() returned %d sessions, want 1", len(sessions))
	}
	if sessions[0].ID != "keep" || sessions[0].Chunks != 3 || sessions[0].Bytes != 9 {
		t.Errorf("List()[0] = %+v", sessions[0])
	}
}

func TestSweep(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Write("stale", 1, []byte("abc")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if _, err := s.Write("fresh", 1, []byte("abc")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	staleDir := filepath.Join(s.Dir(), "stale")
	if err := os.Chtimes(filepath.Join(staleDir, "chunk_1.webm"), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(staleDir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Errorf("Sweep() removed %v, want [stale]", removed)
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Error("stale session dir still exists")
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "fresh")); err != nil {
		t.Errorf("fresh session dir removed: %v", err)
	}
}

func TestSweepExceptLive(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Write("live", 1, []byte("abc")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	dir := filepath.Join(s.Dir(), "live")
	os.Chtimes(filepath.Join(dir, "chunk_1.webm"), old, old)
	os.Chtimes(dir, old, old)

	removed, err := s.SweepExcept(time.Hour, func(id string) bool { return id == "live" })
	if err != nil {
		t.Fatalf("SweepExcept() error: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("SweepExcept() removed %v", removed)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("live session dir removed: %v", err)
	}
}
