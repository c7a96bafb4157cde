package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

var (
	// ErrUnknownDocument is returned for documents that were never initialized. It is fatal to the request.
	ErrUnknownDocument = errors.New("unknown document")

	ErrDocumentExists = errors.New("document already exists")

	ErrClosed = errors.New("coordinator closed")

	errBaseAhead = errors.New("base version ahead of document")
)

// DefaultPublishBuffer is how many accepted changes per document may wait for the broadcaster.
const DefaultPublishBuffer = 1024

// maxCatchUps bounds how often one submission re-reads the store after losing a race to another writer.
const maxCatchUps = 8

type Document struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Version  int64  `json:"version"`
	Language string `json:"language,omitempty"`
	Theme    string `json:"theme,omitempty"`
}

// Change is what every other subscriber of a document hears about an accepted operation.
type Change struct {
	DocumentID string       `json:"documentId"`
	Operation  ot.Operation `json:"operation"`
	Version    int64        `json:"version"`
	AuthorID   string       `json:"authorId"`
	// Origin identifies the connection that submitted the operation so fan-out can skip it.
	Origin string `json:"origin,omitempty"`
}

type Broadcaster interface {
	Publish(ctx context.Context, change Change) error
}

type SubmitRequest struct {
	DocumentID  string
	Operation   ot.Operation
	BaseVersion int64
	Origin      string
}

type Result struct {
	// Operation is the operation as it was applied, after transformation.
	Operation ot.Operation
	Version   int64
	// Duplicate is set when the operation had already been committed and was not applied again.
	Duplicate bool
}

type State int32

const (
	Idle State = iota
	Applying
)

func (s State) String() string {
	if s == Applying {
		return "applying"
	}
	return "idle"
}

type Config struct {
	Log         *history.Log
	Broadcaster Broadcaster
	// PublishBuffer is the per-document queue of changes waiting for the broadcaster. Submissions block only
	// once it is full.
	PublishBuffer int
	Logger        *slog.Logger
}

// Coordinator is the serialization point of every document. Each document gets one goroutine that applies
// submissions one at a time; different documents never wait on each other.
type Coordinator struct {
	log           *history.Log
	broadcaster   Broadcaster
	publishBuffer int
	logger        *slog.Logger

	// opening serializes restores so concurrent first opens of a document load it once.
	opening sync.Mutex

	mu     sync.RWMutex
	docs   map[string]*document
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

type request struct {
	ctx context.Context
	req SubmitRequest
	// refresh asks the document to pick up versions other writers appended to the store.
	refresh bool
	reply   chan reply
}

type reply struct {
	result Result
	err    error
}

type document struct {
	id       string
	requests chan *request
	outbox   chan Change
	done     chan struct{}
	state    atomic.Int32

	mu       sync.RWMutex
	content  string
	version  int64
	language string
	theme    string
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		l, err := history.NewLog(nil, history.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Log = l
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = DefaultPublishBuffer
	}
	return &Coordinator{
		log:           cfg.Log,
		broadcaster:   cfg.Broadcaster,
		publishBuffer: cfg.PublishBuffer,
		logger:        cfg.Logger,
		docs:          make(map[string]*document),
		quit:          make(chan struct{}),
	}, nil
}

func (c *Coordinator) Log() *history.Log {
	return c.log
}

// Init registers a new document and records its genesis snapshot.
func (c *Coordinator) Init(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", ot.ErrInvalidOperation)
	}
	c.mu.RLock()
	closed, exists := c.closed, c.docs[doc.ID] != nil
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDocumentExists, doc.ID)
	}
	// The log serializes concurrent inits of one id, so the store write happens without c.mu.
	if err := c.log.Init(ctx, doc.ID, doc.Content, doc.Version); err != nil {
		if errors.Is(err, history.ErrAlreadyInitialized) {
			return fmt.Errorf("%w: %s", ErrDocumentExists, doc.ID)
		}
		return fmt.Errorf("failed to init history: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.startLocked(doc)
	c.logger.Info("document initialized", "document", doc.ID, "version", doc.Version)
	return nil
}

// Open loads a document from durable history if it is not already live.
func (c *Coordinator) Open(ctx context.Context, documentID string) (Document, error) {
	if doc, err := c.Get(documentID); err == nil {
		return doc, nil
	}
	c.opening.Lock()
	defer c.opening.Unlock()
	if doc, err := c.Get(documentID); err == nil {
		return doc, nil
	}
	content, version, err := c.log.Restore(ctx, documentID)
	if err != nil {
		if errors.Is(err, history.ErrNotInitialized) {
			return Document{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
		}
		if errors.Is(err, history.ErrAlreadyInitialized) {
			return c.Get(documentID)
		}
		return Document{}, fmt.Errorf("failed to restore %s: %w", documentID, err)
	}
	doc := Document{ID: documentID, Content: content, Version: version}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Document{}, ErrClosed
	}
	c.startLocked(doc)
	return doc, nil
}

func (c *Coordinator) startLocked(doc Document) {
	d := &document{
		id:       doc.ID,
		requests: make(chan *request),
		outbox:   make(chan Change, c.publishBuffer),
		done:     make(chan struct{}),
		content:  doc.Content,
		version:  doc.Version,
		language: doc.Language,
		theme:    doc.Theme,
	}
	c.docs[doc.ID] = d
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.run(d)
	}()
	go func() {
		defer c.wg.Done()
		c.publish(d)
	}()
}

func (c *Coordinator) document(documentID string) (*document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	d, ok := c.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	return d, nil
}

func (c *Coordinator) Get(documentID string) (Document, error) {
	d, err := c.document(documentID)
	if err != nil {
		return Document{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Document{ID: d.id, Content: d.content, Version: d.version, Language: d.language, Theme: d.theme}, nil
}

func (c *Coordinator) State(documentID string) (State, error) {
	d, err := c.document(documentID)
	if err != nil {
		return Idle, err
	}
	return State(d.state.Load()), nil
}

func (c *Coordinator) Documents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) ContentAt(ctx context.Context, documentID string, version int64) (string, error) {
	if _, err := c.document(documentID); err != nil {
		return "", err
	}
	return c.log.ContentAt(ctx, documentID, version)
}

func (c *Coordinator) OperationsSince(ctx context.Context, documentID string, from int64) ([]history.Entry, int64, error) {
	if _, err := c.document(documentID); err != nil {
		return nil, 0, err
	}
	return c.log.OperationsSince(ctx, documentID, from)
}

// Submit queues req behind any other submission for the same document and waits for it to be applied. The
// caller's context only bounds the wait for a turn: once the document picks the request up it runs to
// completion.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	d, err := c.document(req.DocumentID)
	if err != nil {
		return Result{}, err
	}
	if err := ot.Validate(req.Operation); err != nil {
		return Result{}, err
	}
	if req.Operation.AuthorID == "" {
		return Result{}, fmt.Errorf("%w: missing author", ot.ErrInvalidOperation)
	}
	return c.do(ctx, d, &request{ctx: context.WithoutCancel(ctx), req: req, reply: make(chan reply, 1)})
}

// Refresh brings the document up to date with versions other processes appended to the shared store.
func (c *Coordinator) Refresh(ctx context.Context, documentID string) error {
	d, err := c.document(documentID)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, d, &request{ctx: ctx, refresh: true, reply: make(chan reply, 1)})
	return err
}

func (c *Coordinator) do(ctx context.Context, d *document, r *request) (Result, error) {
	select {
	case d.requests <- r:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-d.done:
		return Result{}, ErrClosed
	}
	out := <-r.reply
	return out.result, out.err
}

func (c *Coordinator) run(d *document) {
	defer close(d.done)
	defer close(d.outbox)
	for {
		select {
		case r := <-d.requests:
			if r.refresh {
				_, err := c.catchUp(r.ctx, d)
				r.reply <- reply{err: err}
				continue
			}
			d.state.Store(int32(Applying))
			result, err := c.submit(r.ctx, d, r.req)
			d.state.Store(int32(Idle))
			r.reply <- reply{result, err}
		case <-c.quit:
			return
		}
	}
}

// publish hands accepted changes to the broadcaster in version order, off the document goroutine.
func (c *Coordinator) publish(d *document) {
	for change := range d.outbox {
		if c.broadcaster == nil {
			continue
		}
		if err := c.broadcaster.Publish(context.Background(), change); err != nil {
			// The version is already durable, subscribers that miss it catch up through resync.
			c.logger.Error("failed to publish change", "document", d.id, "version", change.Version, "err", err)
		}
	}
}

// submit applies req, catching up from the store whenever another writer got there first.
func (c *Coordinator) submit(ctx context.Context, d *document, req SubmitRequest) (Result, error) {
	for attempt := 0; ; attempt++ {
		result, err := c.apply(ctx, d, req)
		if attempt == maxCatchUps || !(errors.Is(err, history.ErrDuplicateVersion) || errors.Is(err, errBaseAhead)) {
			return result, err
		}
		n, cerr := c.catchUp(ctx, d)
		if cerr != nil {
			return Result{}, cerr
		}
		if n == 0 {
			return result, err
		}
	}
}

// catchUp applies the versions the store holds beyond the document's own, and returns how many there were.
func (c *Coordinator) catchUp(ctx context.Context, d *document) (int, error) {
	entries, err := c.log.ReadNewer(ctx, d.id)
	if err != nil || len(entries) == 0 {
		return 0, err
	}
	d.mu.RLock()
	content := d.content
	d.mu.RUnlock()
	next, err := history.Replay(content, entries)
	if err != nil {
		return 0, fmt.Errorf("failed to replay stored versions of %s: %w", d.id, err)
	}
	if err := c.log.Adopt(d.id, entries); err != nil {
		return 0, err
	}
	version := entries[len(entries)-1].Version
	d.mu.Lock()
	d.content, d.version = next, version
	d.mu.Unlock()
	c.logger.Info("caught up from store", "document", d.id, "versions", len(entries), "version", version)
	return len(entries), nil
}

// apply runs on the document goroutine. Nothing about the document changes unless the transformed operation
// applies cleanly and its version entry is durably recorded.
func (c *Coordinator) apply(ctx context.Context, d *document, req SubmitRequest) (Result, error) {
	d.mu.RLock()
	content, current := d.content, d.version
	d.mu.RUnlock()

	op := req.Operation
	if req.BaseVersion > current {
		return Result{}, fmt.Errorf("%w: %w: %d > %d", ot.ErrInvalidOperation, errBaseAhead, req.BaseVersion, current)
	}
	if req.BaseVersion < current {
		entries, _, err := c.log.OperationsSince(ctx, d.id, req.BaseVersion)
		if err != nil {
			return Result{}, err
		}
		var committed []ot.Operation
		for _, e := range entries {
			for _, prev := range e.Operations {
				if op.ID != "" && prev.ID == op.ID {
					return Result{Operation: prev, Version: e.Version, Duplicate: true}, nil
				}
				committed = append(committed, prev)
			}
		}
		op = ot.TransformAgainst(op, committed)
	}
	op.BaseVersion = current

	next, err := ot.Apply(content, op)
	if err != nil {
		return Result{}, err
	}
	version := current + 1
	var snapshot *string
	if c.log.SnapshotDue(version) {
		snapshot = &next
	}
	if err := c.log.RecordVersion(ctx, d.id, version, []ot.Operation{op}, op.AuthorID, snapshot); err != nil {
		return Result{}, fmt.Errorf("failed to record version: %w", err)
	}

	d.mu.Lock()
	d.content, d.version = next, version
	d.mu.Unlock()

	d.outbox <- Change{DocumentID: d.id, Operation: op, Version: version, AuthorID: op.AuthorID, Origin: req.Origin}
	return Result{Operation: op, Version: version}, nil
}

// Follow wraps next for changes that other processes committed, as relayed by a message bus. Before next hears
// of a change the local copy of its document is brought up to date from the shared store, so submissions here
// transform against it. Documents this process has not opened are passed through.
func (c *Coordinator) Follow(next Broadcaster) Broadcaster {
	return follower{c: c, next: next}
}

type follower struct {
	c    *Coordinator
	next Broadcaster
}

func (f follower) Publish(ctx context.Context, change Change) error {
	if doc, err := f.c.Get(change.DocumentID); err == nil && doc.Version < change.Version {
		if err := f.c.Refresh(ctx, change.DocumentID); err != nil {
			f.c.logger.Warn("failed to catch up", "document", change.DocumentID, "version", change.Version, "err", err)
		}
	}
	return f.next.Publish(ctx, change)
}

// Close stops every document goroutine. Submissions already picked up finish first, and changes already
// accepted are handed to the broadcaster before Close returns.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.quit)
	c.mu.Unlock()
	c.wg.Wait()
}
