package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

type recorder struct {
	mu      sync.Mutex
	changes []coordinator.Change
}

func (r *recorder) Publish(_ context.Context, c coordinator.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) Changes() []coordinator.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coordinator.Change(nil), r.changes...)
}

func newCoordinator(t *testing.T, cfg history.Config, b coordinator.Broadcaster) *coordinator.Coordinator {
	t.Helper()
	l, err := history.NewLog(nil, cfg)
	require.NoError(t, err)
	c, err := coordinator.New(coordinator.Config{Log: l, Broadcaster: b})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func insert(id, author string, pos int, text string) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.Insert, Position: pos, Text: text, AuthorID: author}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ctx := context.Background()
			c := newCoordinator(t, history.Config{}, nil)
			require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc", Content: "hello"}))

			ops := []ot.Operation{insert("a", "alice", 5, " world"), insert("b", "bob", 0, "say: ")}
			for _, i := range order {
				_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: ops[i], BaseVersion: 0})
				require.NoError(t, err)
			}
			doc, err := c.Get("doc")
			require.NoError(t, err)
			assert.Equal(t, "say: hello world", doc.Content)
			assert.Equal(t, int64(2), doc.Version)
		})
	}
}

func TestSubmitAssignsContiguousVersions(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := newCoordinator(t, history.Config{HistoryCap: 500}, rec)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc"}))

	const n = 200
	wg := new(sync.WaitGroup)
	versions := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := insert(fmt.Sprintf("op-%d", i), fmt.Sprintf("user-%d", i%7), 0, "x")
			res, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: op, BaseVersion: 0})
			if assert.NoError(t, err) {
				versions <- res.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)

	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(n), doc.Version)
	assert.Len(t, doc.Content, n)

	// Close hands every accepted change to the broadcaster before returning.
	c.Close()
	changes := rec.Changes()
	require.Len(t, changes, n)
	for i, ch := range changes {
		assert.Equal(t, int64(i+1), ch.Version)
	}
}

func TestInvalidOperationLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := newCoordinator(t, history.Config{}, rec)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc", Content: "abc", Version: 4}))

	cases := []coordinator.SubmitRequest{
		{DocumentID: "doc", Operation: ot.Operation{Kind: ot.Delete, Position: 2, Length: 5, AuthorID: "u1"}, BaseVersion: 4},
		{DocumentID: "doc", Operation: ot.Operation{Kind: ot.Insert, Position: -1, Text: "x", AuthorID: "u1"}, BaseVersion: 4},
		{DocumentID: "doc", Operation: ot.Operation{Kind: ot.Insert, Text: "x"}, BaseVersion: 4},
		{DocumentID: "doc", Operation: insert("", "u1", 0, "x"), BaseVersion: 5},
	}
	for _, req := range cases {
		_, err := c.Submit(ctx, req)
		assert.ErrorIs(t, err, ot.ErrInvalidOperation, "%+v", req)
	}
	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Content)
	assert.Equal(t, int64(4), doc.Version)
	assert.Empty(t, rec.Changes())
}

func TestUnknownDocument(t *testing.T) {
	c := newCoordinator(t, history.Config{}, nil)
	_, err := c.Submit(context.Background(), coordinator.SubmitRequest{DocumentID: "nope", Operation: insert("", "u1", 0, "x")})
	assert.ErrorIs(t, err, coordinator.ErrUnknownDocument)
	_, err = c.Get("nope")
	assert.ErrorIs(t, err, coordinator.ErrUnknownDocument)
	_, err = c.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, coordinator.ErrUnknownDocument)
}

func TestInitTwice(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, history.Config{}, nil)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc"}))
	assert.ErrorIs(t, c.Init(ctx, coordinator.Document{ID: "doc"}), coordinator.ErrDocumentExists)
}

func TestStaleBaseVersionTooOld(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, history.Config{HistoryCap: 5}, nil)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc"}))
	for i := 0; i < 10; i++ {
		_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", 0, "x"), BaseVersion: int64(i)})
		require.NoError(t, err)
	}
	_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u2", 0, "y"), BaseVersion: 1})
	assert.ErrorIs(t, err, history.ErrVersionTooOld)

	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(10), doc.Version)
}

func TestResubmittedOperationIsNotAppliedTwice(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := newCoordinator(t, history.Config{}, rec)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc", Content: "ab"}))

	op := insert("op-1", "alice", 1, "X")
	first, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: op, BaseVersion: 0})
	require.NoError(t, err)
	_, err = c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("op-2", "bob", 0, "Y"), BaseVersion: 1})
	require.NoError(t, err)

	// The acknowledgement was lost, so the client sends it again from its old base.
	again, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: op, BaseVersion: 0})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Version, again.Version)

	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "YaXb", doc.Content)
	assert.Equal(t, int64(2), doc.Version)
	c.Close()
	assert.Len(t, rec.Changes(), 2)
}

func TestChangeCarriesOrigin(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	c := newCoordinator(t, history.Config{}, rec)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc"}))
	res, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("op", "alice", 0, "hi"), Origin: "conn-1"})
	require.NoError(t, err)

	c.Close()
	changes := rec.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, coordinator.Change{DocumentID: "doc", Operation: res.Operation, Version: 1, AuthorID: "alice", Origin: "conn-1"}, changes[0])
}

type failingStore struct {
	*history.MemoryStore
	fail bool
}

func (f *failingStore) Append(ctx context.Context, e history.Entry) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Append(ctx, e)
}

func TestStoreFailureIsNotCommitted(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: history.NewMemoryStore()}
	l, err := history.NewLog(store, history.Config{})
	require.NoError(t, err)
	rec := &recorder{}
	c, err := coordinator.New(coordinator.Config{Log: l, Broadcaster: rec})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc", Content: "a"}))

	store.fail = true
	_, err = c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", 0, "x")})
	assert.Error(t, err)
	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "a", doc.Content)
	assert.Equal(t, int64(0), doc.Version)
	assert.Empty(t, rec.Changes())
}

func TestOpenRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	l, err := history.NewLog(store, history.Config{SnapshotInterval: 3})
	require.NoError(t, err)
	c, err := coordinator.New(coordinator.Config{Log: l})
	require.NoError(t, err)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc", Content: "0"}))
	for i := 1; i <= 7; i++ {
		_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", i, fmt.Sprint(i)), BaseVersion: int64(i - 1)})
		require.NoError(t, err)
	}
	c.Close()

	l2, err := history.NewLog(store, history.Config{SnapshotInterval: 3})
	require.NoError(t, err)
	c2, err := coordinator.New(coordinator.Config{Log: l2})
	require.NoError(t, err)
	defer c2.Close()
	doc, err := c2.Open(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "01234567", doc.Content)
	assert.Equal(t, int64(7), doc.Version)

	_, err = c2.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", 8, "8"), BaseVersion: 7})
	require.NoError(t, err)
	got, err := c2.ContentAt(ctx, "doc", 5)
	require.NoError(t, err)
	assert.Equal(t, "012345", got)
}

// gatedStore holds appends for one document until released, once armed.
type gatedStore struct {
	*history.MemoryStore
	documentID string
	armed      atomic.Bool
	entered    chan struct{}
	release    chan struct{}
}

func newGatedStore(documentID string) *gatedStore {
	return &gatedStore{
		MemoryStore: history.NewMemoryStore(),
		documentID:  documentID,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Append(ctx context.Context, e history.Entry) error {
	if e.DocumentID == g.documentID && g.armed.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryStore.Append(ctx, e)
}

func (g *gatedStore) open() {
	g.armed.Store(false)
	close(g.release)
}

func coordinatorOn(t *testing.T, store history.Store, b coordinator.Broadcaster) *coordinator.Coordinator {
	t.Helper()
	l, err := history.NewLog(store, history.Config{})
	require.NoError(t, err)
	c, err := coordinator.New(coordinator.Config{Log: l, Broadcaster: b})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestDocumentsDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore("slow")
	c := coordinatorOn(t, store, nil)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "slow"}))
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "fast"}))
	store.armed.Store(true)

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "slow", Operation: insert("", "u1", 0, "x")})
		slowDone <- err
	}()
	<-store.entered
	state, err := c.State("slow")
	require.NoError(t, err)
	assert.Equal(t, coordinator.Applying, state)

	_, err = c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "fast", Operation: insert("", "u1", 0, "y")})
	require.NoError(t, err)

	// A second submission for the busy document waits its turn and gives up with the caller's context.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Submit(shortCtx, coordinator.SubmitRequest{DocumentID: "slow", Operation: insert("", "u2", 0, "z")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	store.open()
	require.NoError(t, <-slowDone)
	doc, err := c.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Content)
}

func TestInitDoesNotBlockOtherDocuments(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore("slow")
	store.armed.Store(true)
	c := coordinatorOn(t, store, nil)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "fast", Content: "a"}))

	initDone := make(chan error, 1)
	go func() {
		initDone <- c.Init(ctx, coordinator.Document{ID: "slow", Content: "b"})
	}()
	<-store.entered

	res, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "fast", Operation: insert("", "u1", 1, "!")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.ErrorIs(t, c.Init(ctx, coordinator.Document{ID: "slow"}), coordinator.ErrDocumentExists)

	store.open()
	require.NoError(t, <-initDone)
	doc, err := c.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, "b", doc.Content)
}

type blockingBroadcaster struct {
	documentID string
	release    chan struct{}
	entered    chan struct{}
}

func (b *blockingBroadcaster) Publish(_ context.Context, c coordinator.Change) error {
	if c.DocumentID == b.documentID {
		b.entered <- struct{}{}
		<-b.release
	}
	return nil
}

func TestStalledBroadcasterDoesNotHoldDocument(t *testing.T) {
	ctx := context.Background()
	b := &blockingBroadcaster{documentID: "doc", release: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newCoordinator(t, history.Config{}, b)
	require.NoError(t, c.Init(ctx, coordinator.Document{ID: "doc"}))

	_, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", 0, "x")})
	require.NoError(t, err)
	<-b.entered

	res, err := c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("", "u1", 0, "y"), BaseVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	doc, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "yx", doc.Content)
	close(b.release)
}

// sharedWriters returns coordinators in separate "processes" that write to one store.
func sharedWriters(t *testing.T, n int) []*coordinator.Coordinator {
	store := history.NewMemoryStore()
	out := make([]*coordinator.Coordinator, n)
	for i := range out {
		out[i] = coordinatorOn(t, store, nil)
	}
	return out
}

func TestWritersSharingAStoreCatchUp(t *testing.T) {
	ctx := context.Background()
	w := sharedWriters(t, 2)
	a, b := w[0], w[1]
	require.NoError(t, a.Init(ctx, coordinator.Document{ID: "doc", Content: "hello"}))
	_, err := b.Open(ctx, "doc")
	require.NoError(t, err)

	_, err = a.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("a", "alice", 5, " world")})
	require.NoError(t, err)

	// b still thinks the document is at v0; its append collides and it transforms over what a wrote
	res, err := b.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("b", "bob", 0, "say: ")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
	doc, err := b.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "say: hello world", doc.Content)

	// a base version a has not seen yet is read from the store too
	res, err = a.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("c", "alice", 16, "!"), BaseVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	doc, err = a.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "say: hello world!", doc.Content)

	again, err := b.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("a", "alice", 5, " world")})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(1), again.Version)
}

func TestFollowCatchesUpBeforeForwarding(t *testing.T) {
	ctx := context.Background()
	w := sharedWriters(t, 2)
	a, b := w[0], w[1]
	rec := &recorder{}
	follow := b.Follow(rec)
	require.NoError(t, a.Init(ctx, coordinator.Document{ID: "doc", Content: "hello"}))
	_, err := b.Open(ctx, "doc")
	require.NoError(t, err)

	res, err := a.Submit(ctx, coordinator.SubmitRequest{DocumentID: "doc", Operation: insert("a", "alice", 5, "!")})
	require.NoError(t, err)
	change := coordinator.Change{DocumentID: "doc", Operation: res.Operation, Version: res.Version, AuthorID: "alice"}
	require.NoError(t, follow.Publish(ctx, change))

	doc, err := b.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, coordinator.Document{ID: "doc", Content: "hello!", Version: 1}, doc)
	assert.Equal(t, []coordinator.Change{change}, rec.Changes())

	// documents b never opened are forwarded untouched
	require.NoError(t, follow.Publish(ctx, coordinator.Change{DocumentID: "other", Version: 3}))
	assert.Len(t, rec.Changes(), 2)
}

func TestCloseStopsDocumentGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	c, err := coordinator.New(coordinator.Config{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Init(ctx, coordinator.Document{ID: fmt.Sprint(i)}))
	}
	c.Close()
	c.Close()
	_, err = c.Submit(ctx, coordinator.SubmitRequest{DocumentID: "0", Operation: insert("", "u1", 0, "x")})
	assert.ErrorIs(t, err, coordinator.ErrClosed)
}
