package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/hub"
	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/presence"
)

var ErrUnidentified = errors.New("request carries no user identity")

// Identity is who is behind a connection, as established by the session layer in front of this server.
type Identity struct {
	UserID      string
	DisplayName string
}

type Identifier interface {
	Identify(r *http.Request) (Identity, error)
}

// HeaderIdentifier trusts the identity headers set by an authenticating proxy.
type HeaderIdentifier struct{}

func (HeaderIdentifier) Identify(r *http.Request) (Identity, error) {
	id := Identity{UserID: r.Header.Get("X-User-Id"), DisplayName: r.Header.Get("X-Display-Name")}
	if id.UserID == "" {
		return Identity{}, ErrUnidentified
	}
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}
	return id, nil
}

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CursorThrottle    time.Duration
	// RateLimit is the sustained number of inbound messages per second allowed on one connection.
	RateLimit  float64
	RateBurst  int
	SendBuffer int
	// MaxReplay is the largest number of versions a resync replays from the store before sending a snapshot.
	MaxReplay int
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 200
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxReplay <= 0 {
		c.MaxReplay = 1000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Server struct {
	coord      *coordinator.Coordinator
	hub        *hub.Hub
	tracker    *presence.Tracker
	identifier Identifier
	cfg        Config
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	conns sync.Map
	wg    sync.WaitGroup
}

func New(coord *coordinator.Coordinator, h *hub.Hub, tracker *presence.Tracker, identifier Identifier, cfg Config) *Server {
	cfg = cfg.withDefaults()
	if identifier == nil {
		identifier = HeaderIdentifier{}
	}
	return &Server{
		coord:      coord,
		hub:        h,
		tracker:    tracker,
		identifier: identifier,
		cfg:        cfg,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodPut).Path("/documents/{id}").HandlerFunc(s.putDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}/versions/{version}").HandlerFunc(s.getVersion)
	r.Methods(http.MethodGet).Path("/documents/{id}/operations").HandlerFunc(s.getOperations)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWebsocket)
	return r
}

// ExpirePresence is the callback for presence.Tracker.Run: it tells subscribers who is left.
func (s *Server) ExpirePresence(documentID string, remaining []presence.Presence) {
	s.hub.PublishPresence(documentID, remaining)
}

// Close drops every open connection and waits for their handlers to finish.
func (s *Server) Close() {
	s.conns.Range(func(_, c any) bool {
		_ = c.(*connection).ws.Close()
		return true
	})
	s.wg.Wait()
}

// document returns a live document, loading it from durable history when this process has not seen it yet.
func (s *Server) document(ctx context.Context, id string) (coordinator.Document, error) {
	if doc, err := s.coord.Get(id); err == nil {
		return doc, nil
	}
	return s.coord.Open(ctx, id)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDocument):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrDocumentExists):
		return http.StatusConflict
	case errors.Is(err, history.ErrVersionTooOld), errors.Is(err, history.ErrHistoryUnavailable):
		return http.StatusGone
	case errors.Is(err, ot.ErrInvalidOperation), errors.Is(err, history.ErrVersionAhead):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(writer http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	http.Error(writer, err.Error(), status)
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) healthz(writer http.ResponseWriter, _ *http.Request) {
	s.writeJSON(writer, http.StatusOK, map[string]any{"status": "ok", "documents": len(s.coord.Documents())})
}

type putDocumentRequest struct {
	Content  string `json:"content"`
	Version  int64  `json:"version"`
	Language string `json:"language,omitempty"`
	Theme    string `json:"theme,omitempty"`
}

func (s *Server) putDocument(writer http.ResponseWriter, request *http.Request) {
	var body putDocumentRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		http.Error(writer, fmt.Sprintf("bad document body: %v", err), http.StatusBadRequest)
		return
	}
	if body.Version < 0 {
		http.Error(writer, "negative version", http.StatusBadRequest)
		return
	}
	doc := coordinator.Document{ID: mux.Vars(request)["id"], Content: body.Content, Version: body.Version, Language: body.Language, Theme: body.Theme}
	if err := s.coord.Init(request.Context(), doc); err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusCreated, doc)
}

func (s *Server) getDocument(writer http.ResponseWriter, request *http.Request) {
	doc, err := s.document(request.Context(), mux.Vars(request)["id"])
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, doc)
}

func (s *Server) getVersion(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	version, err := strconv.ParseInt(vars["version"], 10, 64)
	if err != nil {
		http.Error(writer, "bad version", http.StatusBadRequest)
		return
	}
	if _, err := s.document(request.Context(), vars["id"]); err != nil {
		s.writeError(writer, err)
		return
	}
	content, err := s.coord.ContentAt(request.Context(), vars["id"], version)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"id": vars["id"], "version": version, "content": content})
}

func (s *Server) getOperations(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	since, err := strconv.ParseInt(request.URL.Query().Get("since"), 10, 64)
	if err != nil {
		http.Error(writer, "bad since", http.StatusBadRequest)
		return
	}
	if _, err := s.document(request.Context(), id); err != nil {
		s.writeError(writer, err)
		return
	}
	entries, current, err := s.coord.OperationsSince(request.Context(), id, since)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(writer, http.StatusOK, map[string]any{"id": id, "version": current, "entries": entries})
}

func (s *Server) serveWebsocket(writer http.ResponseWriter, request *http.Request) {
	identity, err := s.identifier.Identify(request)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	c := s.newConnection(ws, identity, rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst))
	s.conns.Store(c.id, c)
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.conns.Delete(c.id)
	c.serve(request.Context())
}
