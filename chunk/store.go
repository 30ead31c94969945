// Package chunk keeps the on-disk artifacts of each inbound audio fragment.
//
// Every session owns one directory below the store's base directory and
// every fragment in it is named by its sequence number, so two sessions can
// never touch the same file.
package chunk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"node.town/scribe/etc"
)

const (
	CompressedExt = ".webm"
	DecodedExt    = ".pcm"
)

var (
	ErrEmptyChunk     = errors.New("empty audio chunk")
	ErrInvalidSession = errors.New("invalid session id")
)

type Store struct {
	dir    string
	logger *log.Logger
}

// Artifact is the pair of files derived from one fragment.
type Artifact struct {
	Session    string
	Seq        int
	Compressed string
	Decoded    string
	Size       int64
}

type SessionInfo struct {
	ID       string
	Chunks   int
	Bytes    int64
	Modified time.Time
}

func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) sessionDir(session string) (string, error) {
	if !etc.ValidSessionID(session) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSession, session)
	}
	return filepath.Join(s.dir, session), nil
}

// Paths returns where the artifacts for chunk n of a session live,
// without touching the filesystem.
func (s *Store) Paths(session string, n int) (Artifact, error) {
	dir, err := s.sessionDir(session)
	if err != nil {
		return Artifact{}, err
	}
	base := filepath.Join(dir, fmt.Sprintf("chunk_%d", n))
	return Artifact{
		Session:    session,
		Seq:        n,
		Compressed: base + CompressedExt,
		Decoded:    base + DecodedExt,
	}, nil
}

// Write persists the raw bytes of chunk n. The compressed artifact is
// fully written, synced and closed before Write returns.
func (s *Store) Write(session string, n int, data []byte) (Artifact, error) {
	a, err := s.Paths(session, n)
	if err != nil {
		return Artifact{}, err
	}
	if len(data) == 0 {
		return a, ErrEmptyChunk
	}

	if err := os.MkdirAll(filepath.Dir(a.Compressed), 0o755); err != nil {
		return a, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(a.Compressed, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return a, fmt.Errorf("create chunk file: %w", err)
	}

	written, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(a.Compressed)
		return a, fmt.Errorf("write chunk file: %w", err)
	}
	if written == 0 {
		os.Remove(a.Compressed)
		return a, ErrEmptyChunk
	}

	a.Size = int64(written)
	s.logger.Debug("wrote", "session", session, "n", n, "bytes", written)
	return a, nil
}

// Remove deletes both files of the artifact. Missing files are fine.
func (a Artifact) Remove() error {
	var errs []error
	for _, p := range []string{a.Compressed, a.Decoded} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release removes everything the session left on disk.
func (s *Store) Release(session string) error {
	dir, err := s.sessionDir(session)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	s.logger.Debug("released", "session", session)
	return nil
}

func (s *Store) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() || !etc.ValidSessionID(entry.Name()) {
			continue
		}
		info, err := s.inspect(entry.Name())
		if err != nil {
			s.logger.Warn("skip", "session", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Modified.After(sessions[j].Modified)
	})
	return sessions, nil
}

func (s *Store) inspect(session string) (SessionInfo, error) {
	dir := filepath.Join(s.dir, session)
	stat, err := os.Stat(dir)
	if err != nil {
		return SessionInfo{}, err
	}

	info := SessionInfo{ID: session, Modified: stat.ModTime()}
	files, err := os.ReadDir(dir)
	if err != nil {
		return SessionInfo{}, err
	}
	for _, file := range files {
		fi, err := file.Info()
		if err != nil {
			continue
		}
		if strings.HasSuffix(file.Name(), CompressedExt) {
			info.Chunks++
		}
		info.Bytes += fi.Size()
		if fi.ModTime().After(info.Modified) {
			info.Modified = fi.ModTime()
		}
	}
	return info, nil
}

// Sweep removes session directories that have not changed for maxAge.
func (s *Store) Sweep(maxAge time.Duration) ([]string, error) {
	return s.SweepExcept(maxAge, nil)
}

// SweepExcept is Sweep but leaves alone any session for which live
// reports true.
func (s *Store) SweepExcept(maxAge time.Duration, live func(id string) bool) ([]string, error) {
	sessions, err := s.List()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for _, info := range sessions {
		if info.Modified.After(cutoff) {
			continue
		}
		if live != nil && live(info.ID) {
			continue
		}
		if err := s.Release(info.ID); err != nil {
			s.logger.Error("sweep", "session", info.ID, "error", err)
			continue
		}
		removed = append(removed, info.ID)
	}

	if len(removed) > 0 {
		s.logger.Info("swept", "sessions", len(removed))
	}
	return removed, nil
}
