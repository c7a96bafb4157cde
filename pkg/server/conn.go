package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/hub"
	"github.com/astromechza/textsync/pkg/protocol"
	"github.com/astromechza/textsync/pkg/schedule"
)

type handler func(c *connection, ctx context.Context, env protocol.Envelope) error

// handlers lists the message kinds a client may send. Everything else is a bad request.
var handlers = map[protocol.Kind]handler{
	protocol.KindSubscribe:   (*connection).handleSubscribe,
	protocol.KindUnsubscribe: (*connection).handleUnsubscribe,
	protocol.KindOperation:   (*connection).handleOperation,
	protocol.KindCursor:      (*connection).handleCursor,
	protocol.KindSync:        (*connection).handleSync,
}

type cursorUpdate struct {
	documentID string
	cursor     protocol.Cursor
}

type submission struct {
	env     protocol.Envelope
	payload protocol.Operation
}

// connection is one websocket. The read loop runs the handlers, the write loop owns every write. Operations are
// handed to one worker per document so a slow commit only delays later operations on the same document.
type connection struct {
	id       string
	srv      *Server
	ws       *websocket.Conn
	identity Identity
	logger   *slog.Logger
	limiter  *rate.Limiter
	sub      *hub.Subscriber
	out      chan protocol.Envelope
	cursors  *schedule.Throttler[cursorUpdate]
	closed   chan struct{}
	once     sync.Once

	workers sync.WaitGroup

	mu      sync.Mutex
	docs    map[string]bool
	submits map[string]chan submission
}

func (s *Server) newConnection(ws *websocket.Conn, identity Identity, limiter *rate.Limiter) *connection {
	id := uuid.NewString()
	c := &connection{
		id:       id,
		srv:      s,
		ws:       ws,
		identity: identity,
		logger:   s.logger.With("conn", id, "user", identity.UserID),
		limiter:  limiter,
		sub:      s.hub.NewSubscriber(id),
		out:      make(chan protocol.Envelope, s.cfg.SendBuffer),
		closed:   make(chan struct{}),
		docs:     make(map[string]bool),
		submits:  make(map[string]chan submission),
	}
	c.cursors = schedule.NewThrottler[cursorUpdate](s.cfg.CursorThrottle, c.publishCursor)
	return c
}

// publishCursor records a throttled cursor move. It is dropped once the document is no longer open on the
// connection, so a late trailing send cannot bring back presence that cleanup removed.
func (c *connection) publishCursor(_ string, u cursorUpdate) {
	c.mu.Lock()
	if !c.docs[u.documentID] {
		c.mu.Unlock()
		return
	}
	users := c.srv.tracker.Update(u.documentID, c.identity.UserID, c.identity.DisplayName, u.cursor.Cursor, u.cursor.Selection)
	c.mu.Unlock()
	c.srv.hub.PublishPresence(u.documentID, users)
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// send queues env for the write loop. A connection that cannot keep up is closed; its client resyncs.
func (c *connection) send(env protocol.Envelope) {
	select {
	case c.out <- env:
	case <-c.closed:
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.close()
	}
}

func (c *connection) reply(kind protocol.Kind, documentID, requestID string, payload any) {
	env, err := protocol.New(kind, documentID, requestID, payload)
	if err != nil {
		c.logger.Error("failed to build reply", "type", kind, "err", err)
		return
	}
	c.send(env)
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.logger.Info("connection opened")

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.close()
		if err := c.writeLoop(ctx); err != nil {
			c.logger.Debug("write loop stopped", "err", err)
		}
	}()

	err := c.readLoop(ctx)
	c.close()
	cancel()
	wg.Wait()
	c.workers.Wait()
	c.cleanup()
	c.logger.Info("connection closed", "err", err)
}

// cleanup stops broadcasts to the connection and removes its user from every document it had open.
func (c *connection) cleanup() {
	c.cursors.Close()
	c.srv.hub.Remove(c.sub)
	c.mu.Lock()
	docs := make([]string, 0, len(c.docs))
	for id := range c.docs {
		docs = append(docs, id)
	}
	c.docs = map[string]bool{}
	c.mu.Unlock()
	for _, id := range docs {
		if c.srv.tracker.Remove(id, c.identity.UserID) {
			c.srv.hub.PublishPresence(id, c.srv.tracker.List(id))
		}
	}
}

func (c *connection) readLoop(ctx context.Context) error {
	deadline := c.srv.cfg.HeartbeatInterval + c.srv.cfg.HeartbeatTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.send(protocol.ErrorEnvelope("", "", "", fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)))
			continue
		}
		opID := ""
		if env.Type == protocol.KindOperation {
			opID = env.RequestID
		}
		if !c.limiter.Allow() {
			c.send(protocol.ErrorEnvelope(env.DocumentID, env.RequestID, opID, protocol.ErrRateLimited))
			continue
		}
		h, ok := handlers[env.Type]
		if !ok {
			c.send(protocol.ErrorEnvelope(env.DocumentID, env.RequestID, opID, fmt.Errorf("%w: clients may not send %s", protocol.ErrBadRequest, env.Type)))
			continue
		}
		if env.DocumentID == "" {
			c.send(protocol.ErrorEnvelope("", env.RequestID, opID, fmt.Errorf("%w: missing document id", protocol.ErrBadRequest)))
			continue
		}
		if err := h(c, ctx, env); err != nil {
			c.send(protocol.ErrorEnvelope(env.DocumentID, env.RequestID, opID, err))
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	timeout := c.srv.cfg.HeartbeatTimeout
	ping := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer ping.Stop()
	for {
		var env protocol.Envelope
		select {
		case env = <-c.out:
		case ev := <-c.sub.Events():
			var err error
			if env, err = eventEnvelope(ev); err != nil {
				c.logger.Error("failed to encode event", "err", err)
				continue
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
			continue
		case <-c.sub.Done():
			return errors.New("dropped by hub for falling behind")
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
		if err := c.ws.WriteJSON(env); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
}

func eventEnvelope(ev hub.Event) (protocol.Envelope, error) {
	if ev.Change != nil {
		return protocol.New(protocol.KindChange, ev.DocumentID, "", protocol.Change{
			Operation: ev.Change.Operation,
			Version:   ev.Change.Version,
			AuthorID:  ev.Change.AuthorID,
		})
	}
	return protocol.New(protocol.KindPresence, ev.DocumentID, "", protocol.Presence{Users: ev.Presence})
}

func (c *connection) handleSubscribe(ctx context.Context, env protocol.Envelope) error {
	if _, err := c.srv.document(ctx, env.DocumentID); err != nil {
		return err
	}
	c.srv.hub.Subscribe(env.DocumentID, c.sub)
	c.mu.Lock()
	c.docs[env.DocumentID] = true
	c.mu.Unlock()

	req := protocol.SyncRequest{Version: -1}
	if len(env.Payload) > 0 {
		if err := env.Decode(&req); err != nil {
			return err
		}
	}
	if err := c.respondSync(ctx, env, req); err != nil {
		return err
	}
	users := c.srv.tracker.Update(env.DocumentID, c.identity.UserID, c.identity.DisplayName, nil, nil)
	c.srv.hub.PublishPresence(env.DocumentID, users)
	return nil
}

func (c *connection) handleUnsubscribe(_ context.Context, env protocol.Envelope) error {
	c.srv.hub.Unsubscribe(env.DocumentID, c.sub)
	c.mu.Lock()
	delete(c.docs, env.DocumentID)
	c.mu.Unlock()
	c.cursors.Forget(env.DocumentID)
	if c.srv.tracker.Remove(env.DocumentID, c.identity.UserID) {
		c.srv.hub.PublishPresence(env.DocumentID, c.srv.tracker.List(env.DocumentID))
	}
	return nil
}

func (c *connection) handleOperation(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.Operation
	if err := env.Decode(&payload); err != nil {
		return err
	}
	c.mu.Lock()
	q, ok := c.submits[env.DocumentID]
	if !ok {
		q = make(chan submission, c.srv.cfg.SendBuffer)
		c.submits[env.DocumentID] = q
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.runSubmits(ctx, q)
		}()
	}
	c.mu.Unlock()
	select {
	case q <- submission{env: env, payload: payload}:
	case <-c.closed:
	}
	return nil
}

// runSubmits commits one document's operations in arrival order until the connection closes. Operations still
// queued then are never acknowledged, and their clients send them again.
func (c *connection) runSubmits(ctx context.Context, q <-chan submission) {
	for {
		select {
		case s := <-q:
			c.submit(ctx, s.env, s.payload)
		case <-c.closed:
			return
		}
	}
}

func (c *connection) submit(ctx context.Context, env protocol.Envelope, payload protocol.Operation) {
	op := payload.Operation
	if op.ID == "" {
		op.ID = env.RequestID
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.AuthorID = c.identity.UserID
	if _, err := c.srv.document(ctx, env.DocumentID); err != nil {
		c.send(protocol.ErrorEnvelope(env.DocumentID, env.RequestID, op.ID, err))
		return
	}
	res, err := c.srv.coord.Submit(ctx, coordinator.SubmitRequest{
		DocumentID:  env.DocumentID,
		Operation:   op,
		BaseVersion: payload.BaseVersion,
		Origin:      c.id,
	})
	if err != nil {
		c.send(protocol.ErrorEnvelope(env.DocumentID, env.RequestID, op.ID, err))
		return
	}
	c.srv.tracker.Touch(env.DocumentID, c.identity.UserID)
	c.reply(protocol.KindAck, env.DocumentID, env.RequestID, protocol.Ack{
		OperationID: op.ID,
		Version:     res.Version,
		Operation:   res.Operation,
		Duplicate:   res.Duplicate,
	})
}

func (c *connection) handleCursor(_ context.Context, env protocol.Envelope) error {
	var payload protocol.Cursor
	if err := env.Decode(&payload); err != nil {
		return err
	}
	c.cursors.Submit(env.DocumentID, cursorUpdate{documentID: env.DocumentID, cursor: payload})
	return nil
}

func (c *connection) handleSync(ctx context.Context, env protocol.Envelope) error {
	var req protocol.SyncRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if _, err := c.srv.document(ctx, env.DocumentID); err != nil {
		return err
	}
	return c.respondSync(ctx, env, req)
}

// respondSync answers with the entries after req.Version, or with a snapshot when that version is negative or
// no longer available. Versions trimmed from the log are read back from the store while the gap is at most
// MaxReplay versions.
func (c *connection) respondSync(ctx context.Context, env protocol.Envelope, req protocol.SyncRequest) error {
	if req.Version >= 0 {
		entries, current, err := c.srv.coord.OperationsSince(ctx, env.DocumentID, req.Version)
		if errors.Is(err, history.ErrVersionTooOld) && current-req.Version <= int64(c.srv.cfg.MaxReplay) {
			entries, current, err = c.srv.coord.Log().ReadSince(ctx, env.DocumentID, req.Version)
		}
		switch {
		case err == nil:
			c.reply(protocol.KindSync, env.DocumentID, env.RequestID, protocol.SyncResponse{Version: current, Entries: entries})
			return nil
		case errors.Is(err, history.ErrVersionTooOld), errors.Is(err, history.ErrVersionAhead), errors.Is(err, history.ErrHistoryUnavailable):
			c.logger.Info("falling back to snapshot resync", "document", env.DocumentID, "version", req.Version, "err", err)
		default:
			return err
		}
	}
	doc, err := c.srv.coord.Get(env.DocumentID)
	if err != nil {
		return err
	}
	recent, err := c.srv.coord.Log().Addressable(env.DocumentID)
	if err != nil {
		return err
	}
	var applied []protocol.Applied
	for _, e := range recent {
		if e.Version > doc.Version {
			break
		}
		for _, op := range e.Operations {
			if op.ID != "" {
				applied = append(applied, protocol.Applied{OperationID: op.ID, Version: e.Version})
			}
		}
	}
	c.reply(protocol.KindSync, env.DocumentID, env.RequestID, protocol.SyncResponse{Version: doc.Version, Snapshot: &doc.Content, Applied: applied})
	return nil
}
