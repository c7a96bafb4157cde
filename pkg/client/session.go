package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/pending"
	"github.com/astromechza/textsync/pkg/presence"
	"github.com/astromechza/textsync/pkg/protocol"
	"github.com/astromechza/textsync/pkg/schedule"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Synced
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = errors.New("not connected")

type Config struct {
	URL    string
	UserID string
	// DisplayName is sent to the server alongside UserID in the identity headers.
	DisplayName string
	Header      http.Header
	Dialer      *websocket.Dialer

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ThrottleInterval  time.Duration
	DebounceInterval  time.Duration
	MaxBatch          int
	Queue             pending.Config
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Queue.Logger == nil {
		c.Queue.Logger = c.Logger
	}
	return c
}

// Session keeps one websocket to the server alive and routes its messages to the replicas that were opened on
// it. After every (re)connect each replica resyncs before its pending operations are flushed.
type Session struct {
	cfg    Config
	logger *slog.Logger

	flushes *schedule.Debouncer[string]
	gaps    *schedule.Debouncer[int64]
	cursors *schedule.Throttler[protocol.Cursor]

	mu         sync.Mutex
	state      State
	stateCh    chan struct{}
	conn       *websocket.Conn
	runCtx     context.Context
	replicas   map[string]*Replica
	presence   map[string][]presence.Presence
	onPresence func(documentID string, users []presence.Presence)

	writeMu sync.Mutex
}

func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		logger:   cfg.Logger,
		stateCh:  make(chan struct{}),
		runCtx:   context.Background(),
		replicas: make(map[string]*Replica),
		presence: make(map[string][]presence.Presence),
	}
	s.flushes = schedule.NewDebouncer[string](cfg.DebounceInterval, cfg.MaxBatch, func(documentID string, _ []string) {
		s.flush(documentID)
	})
	s.gaps = schedule.NewDebouncer[int64](cfg.DebounceInterval, cfg.MaxBatch, func(documentID string, _ []int64) {
		s.resyncIfGap(documentID)
	})
	s.cursors = schedule.NewThrottler[protocol.Cursor](cfg.ThrottleInterval, func(documentID string, c protocol.Cursor) {
		if err := s.write(protocol.KindCursor, documentID, "", c); err != nil {
			s.logger.Debug("failed to send cursor", "document", documentID, "err", err)
		}
	})
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	s.logger.Info("session state", "from", s.state, "to", state)
	s.state = state
	close(s.stateCh)
	s.stateCh = make(chan struct{})
}

// WaitFor blocks until the session reaches want or ctx is done.
func (s *Session) WaitFor(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		state, ch := s.state, s.stateCh
		s.mu.Unlock()
		if state == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("still %s: %w", state, ctx.Err())
		}
	}
}

// OnPresence registers a callback for presence list updates.
func (s *Session) OnPresence(fn func(documentID string, users []presence.Presence)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPresence = fn
}

func (s *Session) Presence(documentID string) []presence.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.Presence(nil), s.presence[documentID]...)
}

// Open returns the replica of documentID, subscribing to it if the session is connected.
func (s *Session) Open(documentID string) *Replica {
	s.mu.Lock()
	r, ok := s.replicas[documentID]
	if !ok {
		r = NewReplica(documentID, s.cfg.UserID, s, s.cfg.Queue)
		s.replicas[documentID] = r
	}
	synced := s.state == Synced
	s.mu.Unlock()
	if !ok && synced {
		if err := s.subscribe(r); err != nil {
			s.logger.Warn("failed to subscribe", "document", documentID, "err", err)
		}
	}
	return r
}

func (s *Session) replica(documentID string) (*Replica, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replicas[documentID]
	return r, ok
}

// Edit applies op to the local replica and schedules a flush.
func (s *Session) Edit(documentID string, op ot.Operation) (*pending.Pending, error) {
	r, ok := s.replica(documentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not open", ErrNotLoaded, documentID)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	p, err := r.Edit(op)
	if err != nil {
		return nil, err
	}
	s.flushes.Add(documentID, op.ID)
	return p, nil
}

// MoveCursor reports the local cursor. Bursts are throttled.
func (s *Session) MoveCursor(documentID string, cursor *presence.Cursor, selection *presence.Selection) {
	s.cursors.Submit(documentID, protocol.Cursor{Cursor: cursor, Selection: selection})
}

// Send implements pending.Submitter over the current connection.
func (s *Session) Send(_ context.Context, documentID string, op ot.Operation, baseVersion int64) error {
	return s.write(protocol.KindOperation, documentID, op.ID, protocol.Operation{Operation: op, BaseVersion: baseVersion})
}

func (s *Session) write(kind protocol.Kind, documentID, requestID string, payload any) error {
	env, err := protocol.New(kind, documentID, requestID, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	return nil
}

func (s *Session) subscribe(r *Replica) error {
	var payload any
	if req := r.SyncRequest(); req != nil {
		payload = req
	}
	return s.write(protocol.KindSubscribe, r.DocumentID(), "", payload)
}

func (s *Session) flush(documentID string) {
	r, ok := s.replica(documentID)
	if !ok {
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	go func() {
		if err := r.Queue().Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("flush stopped", "document", documentID, "err", err)
		}
	}()
}

func (s *Session) resyncIfGap(documentID string) {
	r, ok := s.replica(documentID)
	if !ok || !r.HasGap() {
		return
	}
	var payload any = protocol.SyncRequest{Version: -1}
	if req := r.SyncRequest(); req != nil {
		payload = req
	}
	s.logger.Info("resyncing after a version gap", "document", documentID, "version", r.Version())
	if err := s.write(protocol.KindSync, documentID, "", payload); err != nil {
		s.logger.Warn("failed to request resync", "document", documentID, "err", err)
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	defer s.flushes.Close()
	defer s.gaps.Close()
	defer s.cursors.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectBase
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	next := Connecting
	for {
		s.setState(next)
		header := s.cfg.Header.Clone()
		if header == nil {
			header = http.Header{}
		}
		if s.cfg.UserID != "" {
			header.Set("X-User-Id", s.cfg.UserID)
		}
		if s.cfg.DisplayName != "" {
			header.Set("X-Display-Name", s.cfg.DisplayName)
		}
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
		if err == nil {
			b.Reset()
			err = s.serve(ctx, conn)
			next = Reconnecting
		}
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return ctx.Err()
		}
		delay := b.NextBackOff()
		s.logger.Warn("connection lost", "url", s.cfg.URL, "err", err, "retry", delay)
		if next == Reconnecting {
			s.setState(Reconnecting)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.setState(Disconnected)
			return ctx.Err()
		}
	}
}

// serve runs one connection until it fails.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	deadline := s.cfg.HeartbeatInterval + s.cfg.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.HeartbeatTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.mu.Lock()
	s.conn = conn
	replicas := make([]*Replica, 0, len(s.replicas))
	for _, r := range s.replicas {
		replicas = append(replicas, r)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		replicas := make([]*Replica, 0, len(s.replicas))
		for _, r := range s.replicas {
			replicas = append(replicas, r)
		}
		s.mu.Unlock()
		for _, r := range replicas {
			r.Queue().SetConnected(false)
		}
	}()

	s.setState(Synced)
	for _, r := range replicas {
		if err := s.subscribe(r); err != nil {
			return err
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.HeartbeatTimeout))
				s.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			case <-connCtx.Done():
				_ = conn.Close()
				return
			}
		}
	}()
	defer wg.Wait()
	defer cancel()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("discarding bad message", "err", err)
			continue
		}
		if err := s.dispatch(env); err != nil {
			s.logger.Warn("failed to handle message", "type", env.Type, "document", env.DocumentID, "err", err)
		}
	}
}

func (s *Session) dispatch(env protocol.Envelope) error {
	r, ok := s.replica(env.DocumentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, env.DocumentID)
	}
	switch env.Type {
	case protocol.KindSync:
		var resp protocol.SyncResponse
		if err := env.Decode(&resp); err != nil {
			return err
		}
		r.ApplySync(resp)
		r.Queue().SetConnected(true)
		s.flush(env.DocumentID)
	case protocol.KindChange:
		var c protocol.Change
		if err := env.Decode(&c); err != nil {
			return err
		}
		if r.HandleChange(c) {
			s.gaps.Add(env.DocumentID, c.Version)
		}
	case protocol.KindAck:
		var a protocol.Ack
		if err := env.Decode(&a); err != nil {
			return err
		}
		if r.HandleAck(a) {
			s.gaps.Add(env.DocumentID, a.Version)
		}
	case protocol.KindError:
		var p protocol.Error
		if err := env.Decode(&p); err != nil {
			return err
		}
		err := protocol.ErrorFor(p)
		if p.OperationID != "" && r.Queue().Reject(p.OperationID, err) {
			return nil
		}
		s.logger.Warn("server error", "document", env.DocumentID, "code", p.Code, "err", err)
	case protocol.KindPresence:
		var p protocol.Presence
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.mu.Lock()
		s.presence[env.DocumentID] = p.Users
		fn := s.onPresence
		s.mu.Unlock()
		if fn != nil {
			fn(env.DocumentID, p.Users)
		}
	default:
		return fmt.Errorf("%w: unexpected %s", protocol.ErrBadRequest, env.Type)
	}
	return nil
}
