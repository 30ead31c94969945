// Package www accepts websocket connections and runs one transcription
// session per connection.
package www

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"node.town/scribe/chunk"
	"node.town/scribe/config"
	"node.town/scribe/etc"
	"node.town/scribe/session"
	"node.town/scribe/stt"
)

//go:embed index.html
var indexHTML []byte

type Deps struct {
	Store   *chunk.Store
	Decoder session.Decoder
	Engine  stt.Engine
}

type Server struct {
	cfg      *config.Config
	deps     Deps
	tracker  *Tracker
	upgrader websocket.Upgrader
	logger   *log.Logger
	sessLog  *log.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *log.Logger) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		tracker: NewTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		sessLog: logger.With().WithPrefix("sess"),
	}
}

func (s *Server) Tracker() *Tracker {
	return s.tracker
}

func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			s.handleSession(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(indexHTML)
	})
	r.Get("/ws", s.handleSession)
	r.Get("/healthz", s.handleHealth)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.tracker.Len(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.Session.MaxFragmentBytes)

	id := etc.NewSessionID()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.tracker.Add(id, cancel)
	defer s.tracker.Remove(id)

	p := session.New(id, session.Deps{
		Store:   s.deps.Store,
		Decoder: s.deps.Decoder,
		Engine:  s.deps.Engine,
		Keep:    s.cfg.Artifacts.Keep,
		Queue:   s.cfg.Session.Queue,
	}, s.sessLog)
	defer func() {
		if err := p.Close(); err != nil {
			s.sessLog.Warn("release", "session", id, "error", err)
		}
	}()

	s.sessLog.Info("connected", "session", id, "remote", r.RemoteAddr, "active", s.tracker.Len())
	if err := p.Run(ctx, conn); err != nil {
		s.sessLog.Warn("session ended", "session", id, "error", err)
		return
	}
	s.sessLog.Info("disconnected", "session", id)
}

// Serve listens until ctx ends, then closes live sessions and shuts the
// HTTP server down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "url", "http://"+s.cfg.Addr(), "ws", "ws://"+s.cfg.Addr()+"/ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		if n := s.tracker.CloseAll(); n > 0 {
			s.logger.Info("closing sessions", "count", n)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if s.cfg.Artifacts.SweepInterval > 0 {
		g.Go(func() error {
			s.sweep(ctx)
			return nil
		})
	}

	return g.Wait()
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Artifacts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.deps.Store.SweepExcept(s.cfg.Artifacts.MaxAge, s.tracker.Has); err != nil {
				s.logger.Error("sweep", "error", err)
			}
		}
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug(r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
				"id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
