package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

const (
	DefaultMaxSize    = 1000
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 250 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
	DefaultAckTimeout = 10 * time.Second
)

var (
	// ErrQueueFull is returned by Enqueue at capacity. The edit was not queued.
	ErrQueueFull = errors.New("pending queue full")

	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	ErrAckTimeout = errors.New("timed out waiting for acknowledgement")

	errDisconnected = errors.New("disconnected")
)

// Submitter transmits one operation to the server. A nil error only means it was sent: the verdict arrives
// later through Acknowledge or Reject.
type Submitter interface {
	Send(ctx context.Context, documentID string, op ot.Operation, baseVersion int64) error
}

type Config struct {
	MaxSize    int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	AckTimeout time.Duration
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pending is an operation waiting for the server. Done is closed once it was acknowledged or rejected.
type Pending struct {
	Operation  ot.Operation
	// Retries counts the retries made so far.
	Retries    int
	EnqueuedAt time.Time

	done    chan struct{}
	err     error
	version int64
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err is nil once the operation was acknowledged, and the rejection otherwise. Only valid after Done.
func (p *Pending) Err() error {
	return p.err
}

// Version is the version the server assigned. Only valid after Done.
func (p *Pending) Version() int64 {
	return p.version
}

// Queue holds the unacknowledged local operations of one document in FIFO order. Only the head is ever in
// flight; the others wait behind it and are rebased over every remote change.
type Queue struct {
	documentID string
	submitter  Submitter
	cfg        Config

	mu        sync.Mutex
	items     []*Pending
	base      int64
	connected bool
	flushing  bool
	verdict   chan error
}

func New(documentID string, submitter Submitter, cfg Config) *Queue {
	return &Queue{documentID: documentID, submitter: submitter, cfg: cfg.withDefaults()}
}

// retryDelay is how long to wait after a failed attempt when retries retries were already made:
// BaseDelay × 2^retries, capped at MaxDelay.
func (q *Queue) retryDelay(retries int) time.Duration {
	delay := q.cfg.BaseDelay
	for i := 0; i < retries && delay < q.cfg.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, q.cfg.MaxDelay)
}

// Enqueue adds op behind every other pending operation. Operations without an id get one.
func (q *Queue) Enqueue(op ot.Operation) (*Pending, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %d operations waiting on %s", ErrQueueFull, len(q.items), q.documentID)
	}
	p := &Pending{Operation: op, EnqueuedAt: time.Now(), done: make(chan struct{})}
	q.items = append(q.items, p)
	return p, nil
}

// SetBase records the server version the queued operations are currently based on.
func (q *Queue) SetBase(version int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.base = version
}

func (q *Queue) Base() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base
}

func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = connected
	if !connected {
		q.signalLocked(errDisconnected)
	}
}

func (q *Queue) signalLocked(err error) {
	if q.verdict != nil {
		q.verdict <- err
		q.verdict = nil
	}
}

// Acknowledge resolves the head of the queue if it is opID, and moves the base to version.
func (q *Queue) Acknowledge(opID string, version int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].Operation.ID != opID {
		return false
	}
	p := q.items[0]
	q.items = q.items[1:]
	q.base = version
	p.version = version
	close(p.done)
	q.signalLocked(nil)
	return true
}

// Reject reports a server error for opID. Whether the operation is retried is decided by the flush loop.
func (q *Queue) Reject(opID string, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].Operation.ID != opID || q.verdict == nil {
		return false
	}
	q.signalLocked(err)
	return true
}

// TransformIncoming rebases every pending operation over remote, which the server committed at version, and
// returns remote rebased over the pending operations so it can be applied to the local content.
func (q *Queue) TransformIncoming(remote ot.Operation, version int64) ot.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.items {
		p.Operation, remote = ot.Transform(p.Operation, remote)
	}
	q.base = version
	return remote
}

// RejectAll fails every pending operation with err and empties the queue.
func (q *Queue) RejectAll(err error) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	for _, p := range q.items {
		p.err = err
		close(p.done)
	}
	q.items = nil
	q.signalLocked(errDisconnected)
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the pending operations in order, as currently rebased.
func (q *Queue) Snapshot() []ot.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ot.Operation, len(q.items))
	for i, p := range q.items {
		out[i] = p.Operation
	}
	return out
}

func retryable(err error) bool {
	for _, fatal := range []error{ot.ErrInvalidOperation, coordinator.ErrUnknownDocument, history.ErrVersionTooOld, history.ErrHistoryUnavailable} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}

func (q *Queue) failHeadLocked(p *Pending, err error) {
	if len(q.items) == 0 || q.items[0] != p {
		return
	}
	q.items = q.items[1:]
	p.err = err
	close(p.done)
}

// Flush submits the queue head by head until it is empty or the connection drops. It returns at once when
// disconnected or when another flush of the same queue is already running.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	if q.flushing || !q.connected {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if !q.connected || len(q.items) == 0 {
			q.flushing = false
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		op, base := head.Operation, q.base
		verdict := make(chan error, 1)
		q.verdict = verdict
		q.mu.Unlock()

		err := q.submitter.Send(ctx, q.documentID, op, base)
		if err == nil {
			timer := time.NewTimer(q.cfg.AckTimeout)
			select {
			case err = <-verdict:
			case <-timer.C:
				err = ErrAckTimeout
			case <-ctx.Done():
				err = ctx.Err()
			}
			timer.Stop()
		}
		q.mu.Lock()
		if q.verdict == verdict {
			q.verdict = nil
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			continue
		case errors.Is(err, errDisconnected):
			continue
		case ctx.Err() != nil:
			q.mu.Lock()
			q.flushing = false
			q.mu.Unlock()
			return ctx.Err()
		case !retryable(err):
			q.cfg.Logger.Warn("pending operation rejected", "document", q.documentID, "op", op.ID, "err", err)
			q.mu.Lock()
			q.failHeadLocked(head, err)
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		if head.Retries >= q.cfg.MaxRetries {
			q.failHeadLocked(head, fmt.Errorf("%w: %s after %d attempts: %v", ErrMaxRetriesExceeded, op.ID, head.Retries+1, err))
			q.mu.Unlock()
			q.cfg.Logger.Warn("pending operation gave up", "document", q.documentID, "op", op.ID, "err", err)
			continue
		}
		retries, delay := head.Retries, q.retryDelay(head.Retries)
		head.Retries++
		q.mu.Unlock()
		q.cfg.Logger.Debug("retrying pending operation", "document", q.documentID, "op", op.ID, "retries", retries, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			q.mu.Lock()
			q.flushing = false
			q.mu.Unlock()
			return ctx.Err()
		}
	}
}
