package client

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/pending"
	"github.com/astromechza/textsync/pkg/protocol"
)

var ErrNotLoaded = errors.New("document not loaded yet")

// event is something the server numbered: either somebody else's change or the acknowledgement of ours.
type event struct {
	version int64
	change  *protocol.Change
	ack     *protocol.Ack
}

// Replica is the local copy of one document. Local edits apply at once and wait in the pending queue; server
// events are integrated strictly in version order, so anything that arrives early is held back.
type Replica struct {
	documentID string
	userID     string
	queue      *pending.Queue
	logger     *slog.Logger

	mu           sync.Mutex
	content      string
	version      int64
	loaded       bool
	needSnapshot bool
	early        map[int64]event
	onChange     func(content string, version int64)
}

func NewReplica(documentID, userID string, submitter pending.Submitter, cfg pending.Config) *Replica {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		documentID: documentID,
		userID:     userID,
		queue:      pending.New(documentID, submitter, cfg),
		logger:     logger,
		early:      make(map[int64]event),
	}
}

func (r *Replica) DocumentID() string {
	return r.documentID
}

func (r *Replica) Queue() *pending.Queue {
	return r.queue
}

// OnChange registers a callback for every change of the local content. It runs with the replica locked.
func (r *Replica) OnChange(fn func(content string, version int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Replica) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

// Version is the newest server version integrated locally.
func (r *Replica) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Replica) notifyLocked() {
	if r.onChange != nil {
		r.onChange(r.content, r.version)
	}
}

// Edit applies op locally and queues it for the server. op is relative to the current local content.
func (r *Replica) Edit(op ot.Operation) (*pending.Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, r.documentID)
	}
	op.AuthorID = r.userID
	next, err := ot.Apply(r.content, op)
	if err != nil {
		return nil, err
	}
	p, err := r.queue.Enqueue(op)
	if err != nil {
		return nil, err
	}
	r.content = next
	r.notifyLocked()
	return p, nil
}

// SyncRequest is what to ask the server for on resync. Nil means a full snapshot.
func (r *Replica) SyncRequest() *protocol.SyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded || r.needSnapshot {
		return nil
	}
	return &protocol.SyncRequest{Version: r.version}
}

// HasGap reports whether events are being held back for a version that has not arrived.
func (r *Replica) HasGap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.early) > 0 || r.needSnapshot
}

// HandleChange integrates a change from another client. It returns true when the change arrived ahead of a
// missing version.
func (r *Replica) HandleChange(c protocol.Change) bool {
	return r.handle(event{version: c.Version, change: &c})
}

// HandleAck integrates the acknowledgement of the operation at the head of the pending queue.
func (r *Replica) HandleAck(a protocol.Ack) bool {
	r.mu.Lock()
	if a.Version <= r.version && r.loaded {
		// Late acknowledgement of something already integrated, for example through a resync.
		r.queue.Acknowledge(a.OperationID, r.version)
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return r.handle(event{version: a.Version, ack: &a})
}

func (r *Replica) handle(ev event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded {
		r.early[ev.version] = ev
		return false
	}
	if ev.version <= r.version {
		return false
	}
	r.early[ev.version] = ev
	r.drainLocked()
	return len(r.early) > 0
}

func (r *Replica) drainLocked() {
	for {
		ev, ok := r.early[r.version+1]
		if !ok {
			break
		}
		delete(r.early, ev.version)
		r.integrateLocked(ev)
	}
	for v := range r.early {
		if v <= r.version {
			delete(r.early, v)
		}
	}
}

func (r *Replica) integrateLocked(ev event) {
	switch {
	case ev.ack != nil:
		if !r.queue.Acknowledge(ev.ack.OperationID, ev.version) {
			r.logger.Warn("acknowledgement for an operation that is not in flight", "document", r.documentID, "op", ev.ack.OperationID, "version", ev.version)
			r.needSnapshot = true
		}
		r.version = ev.version
	case ev.change != nil:
		op := ev.change.Operation
		if r.queue.Acknowledge(op.ID, ev.version) {
			// Our own operation, seen through a resync after its acknowledgement was lost.
			r.version = ev.version
			return
		}
		local := r.queue.TransformIncoming(op, ev.version)
		next, err := ot.Apply(r.content, local)
		if err != nil {
			r.logger.Error("remote change does not apply locally", "document", r.documentID, "version", ev.version, "err", err)
			r.needSnapshot = true
			r.version = ev.version
			return
		}
		r.content = next
		r.version = ev.version
		r.notifyLocked()
	}
}

// ApplySync integrates a sync response. Entries are replayed in order. A snapshot replaces the content: the
// pending operation it lists as applied is acknowledged, every other one is rejected because the version it
// was based on is gone.
func (r *Replica) ApplySync(resp protocol.SyncResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Snapshot != nil {
		for _, a := range resp.Applied {
			if a.Version <= resp.Version && r.queue.Acknowledge(a.OperationID, a.Version) {
				r.logger.Info("snapshot contains pending operation", "document", r.documentID, "op", a.OperationID, "version", a.Version)
			}
		}
		if n := r.queue.RejectAll(fmt.Errorf("%w: resynced %s from a snapshot at %d", history.ErrHistoryUnavailable, r.documentID, resp.Version)); n > 0 {
			r.logger.Warn("rejected pending operations after snapshot resync", "document", r.documentID, "count", n)
		}
		r.content = *resp.Snapshot
		r.version = resp.Version
		r.loaded = true
		r.needSnapshot = false
		r.queue.SetBase(resp.Version)
		r.drainLocked()
		r.notifyLocked()
		return
	}
	for _, e := range resp.Entries {
		if e.Version <= r.version {
			continue
		}
		for _, op := range e.Operations {
			r.integrateLocked(event{version: e.Version, change: &protocol.Change{Operation: op, Version: e.Version, AuthorID: e.AuthorID}})
		}
	}
	r.drainLocked()
}
