// Package server exposes capture control, realtime events and stored
// sessions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/internal/filter"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/internal/store"
	"github.com/yourorg/apirecorder/internal/stream"
	"github.com/yourorg/apirecorder/pkg/types"
)

const sinkBuffer = 64

// Deps are the collaborators of a Server. Registry, Hub and Store are required.
type Deps struct {
	Registry *capture.Registry
	Hub      *stream.Hub
	Store    store.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Server wraps the control API handlers.
type Server struct {
	cfg      *config.Config
	registry *capture.Registry
	hub      *stream.Hub
	store    store.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Registry == nil {
		return nil, errors.New("capture registry is nil")
	}
	if deps.Hub == nil {
		return nil, errors.New("event hub is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}

	srv := &Server{
		cfg:      cfg,
		registry: deps.Registry,
		hub:      deps.Hub,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   observability.OrDiscard(deps.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	s.logger.Info("control server listening", "addr", ln.Addr().String())
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		_ = hs.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/capture/events", s.handleEventsSSE)
	s.mux.HandleFunc("/api/capture/events/ws", s.handleEventsWS)
	s.mux.HandleFunc("/api/capture/", s.handleCaptureRoutes)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/sessions/", s.handleSessionRoutes)
	s.mux.HandleFunc("/api/version", s.handleVersion)
	if s.metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleCaptureRoutes(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSAllowOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	kind, op, ok := splitPath(r.URL.Path, "/api/capture/")
	if !ok || kind == "" || op == "" || strings.Contains(op, "/") {
		http.NotFound(w, r)
		return
	}
	m, err := s.registry.Get(types.BackendKind(kind))
	if err != nil {
		writeJSON(w, http.StatusNotFound, types.ControlResult{Error: err.Error()})
		return
	}

	switch op {
	case "status":
		if !allow(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, m.Status(r.Context()))
	case "har":
		if !allow(w, r, http.MethodGet) {
			return
		}
		s.handleCaptureHAR(w, r, m)
	case "start":
		if !allow(w, r, http.MethodPost) {
			return
		}
		var req struct {
			Target string `json:"target"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, types.ControlResult{Error: "invalid json: " + err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, m.Start(r.Context(), req.Target))
	case "pause", "resume", "stop", "clear":
		if !allow(w, r, http.MethodPost) {
			return
		}
		var res types.ControlResult
		switch op {
		case "pause":
			res = m.Pause(r.Context())
		case "resume":
			res = m.Resume(r.Context())
		case "stop":
			res = m.Stop(r.Context())
		default:
			res = m.Clear(r.Context())
		}
		writeJSON(w, http.StatusOK, res)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCaptureHAR(w http.ResponseWriter, r *http.Request, m *capture.Manager) {
	sess, entries, err := m.Archive(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "no capture session", http.StatusNotFound)
		return
	}
	s.writeHAR(w, r, sess.ID, entries)
}

func (s *Server) writeHAR(w http.ResponseWriter, r *http.Request, id string, entries []types.ArchiveEntry) {
	dropNoise, _ := strconv.ParseBool(r.URL.Query().Get("filter"))
	doc := har.FromArchive(filter.Export(entries, s.cfg.Filter, s.cfg.Sanitize, dropNoise), observability.Version)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "capture-"+id+".har"))
	if err := har.Write(w, doc); err != nil {
		s.logger.Debug("write har", "err", err)
	}
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSAllowOrigin)
	if !allow(w, r, http.MethodGet) {
		return
	}
	sink, err := stream.NewSSESink(w, sinkBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Subscribe(sink)
	defer s.hub.Unsubscribe(sink)
	sink.Serve(r.Context().Done())
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sink := stream.NewWSSink(conn, sinkBuffer)
	s.hub.Subscribe(sink)
	defer s.hub.Unsubscribe(sink)
	sink.Serve()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []types.StoredSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	id, tail, ok := splitPath(r.URL.Path, "/api/sessions/")
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	switch tail {
	case "har":
		s.handleSessionHAR(w, r, id)
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleSessionDetail(w, r, id)
		case http.MethodDelete:
			s.handleSessionDelete(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	entries, err := s.store.GetEntries(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := struct {
		Session   *types.StoredSession `json:"session"`
		Summaries []types.EntrySummary `json:"summaries"`
	}{
		Session:   sess,
		Summaries: archive.SummarizeAll(entries),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionHAR(w http.ResponseWriter, r *http.Request, id string) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	if _, err := s.store.GetSession(id); err != nil {
		s.storeError(w, err)
		return
	}
	entries, err := s.store.GetEntries(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeHAR(w, r, id, entries)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.store.DeleteSession(id); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  observability.Version,
		"commit":   observability.Commit,
		"backends": s.registry.Kinds(),
	})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func splitPath(fullPath, prefix string) (string, string, bool) {
	if !strings.HasPrefix(fullPath, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(fullPath, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	return id, tail, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCORS(w http.ResponseWriter, allowOrigin string) {
	origin := "*"
	if allowOrigin != "" {
		origin = allowOrigin
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
