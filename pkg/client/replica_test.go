package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
	"github.com/astromechza/textsync/pkg/pending"
	"github.com/astromechza/textsync/pkg/protocol"
)

type nopSubmitter struct{}

func (nopSubmitter) Send(context.Context, string, ot.Operation, int64) error { return nil }

func loadedReplica(t *testing.T, content string, version int64) *Replica {
	r := NewReplica("doc", "alice", nopSubmitter{}, pending.Config{})
	r.ApplySync(protocol.SyncResponse{Version: version, Snapshot: &content})
	require.Equal(t, content, r.Content())
	require.Equal(t, version, r.Version())
	return r
}

func insert(id, author string, pos int, text string) ot.Operation {
	return ot.Operation{ID: id, Kind: ot.Insert, Position: pos, Text: text, AuthorID: author}
}

func TestReplicaNotLoaded(t *testing.T) {
	r := NewReplica("doc", "alice", nopSubmitter{}, pending.Config{})
	assert.Nil(t, r.SyncRequest())
	_, err := r.Edit(insert("a", "", 0, "x"))
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestReplicaSyncRequestAfterLoad(t *testing.T) {
	r := loadedReplica(t, "hello", 4)
	assert.Equal(t, &protocol.SyncRequest{Version: 4}, r.SyncRequest())
	assert.False(t, r.HasGap())
}

func TestReplicaReordersChanges(t *testing.T) {
	r := loadedReplica(t, "ab", 1)
	assert.True(t, r.HandleChange(protocol.Change{Version: 3, AuthorID: "bob", Operation: insert("c2", "bob", 3, "d")}))
	assert.Equal(t, "ab", r.Content())
	assert.True(t, r.HasGap())

	assert.False(t, r.HandleChange(protocol.Change{Version: 2, AuthorID: "bob", Operation: insert("c1", "bob", 2, "c")}))
	assert.Equal(t, "abcd", r.Content())
	assert.Equal(t, int64(3), r.Version())
	assert.False(t, r.HasGap())

	// replays are ignored
	assert.False(t, r.HandleChange(protocol.Change{Version: 2, AuthorID: "bob", Operation: insert("c1", "bob", 2, "c")}))
	assert.Equal(t, "abcd", r.Content())
}

func TestReplicaBuffersUntilLoaded(t *testing.T) {
	r := NewReplica("doc", "alice", nopSubmitter{}, pending.Config{})
	r.HandleChange(protocol.Change{Version: 6, AuthorID: "bob", Operation: insert("c", "bob", 0, ">")})
	r.HandleChange(protocol.Change{Version: 5, AuthorID: "bob", Operation: insert("old", "bob", 0, "!")})

	snapshot := "hello"
	r.ApplySync(protocol.SyncResponse{Version: 5, Snapshot: &snapshot})
	assert.Equal(t, ">hello", r.Content())
	assert.Equal(t, int64(6), r.Version())
}

func TestReplicaConcurrentEditAndAck(t *testing.T) {
	r := loadedReplica(t, "hello", 0)
	var seen []string
	r.OnChange(func(content string, _ int64) { seen = append(seen, content) })

	p, err := r.Edit(insert("mine", "", 5, " world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", r.Content())
	assert.Equal(t, "alice", p.Operation.AuthorID)

	r.HandleChange(protocol.Change{Version: 1, AuthorID: "bob", Operation: insert("theirs", "bob", 0, "say: ")})
	assert.Equal(t, "say: hello world", r.Content())
	ops := r.Queue().Snapshot()
	require.Len(t, ops, 1)
	assert.Equal(t, 10, ops[0].Position)
	assert.Equal(t, int64(1), r.Queue().Base())

	assert.False(t, r.HandleAck(protocol.Ack{OperationID: "mine", Version: 2, Operation: ops[0]}))
	assert.Equal(t, 0, r.Queue().Len())
	assert.Equal(t, int64(2), r.Version())
	<-p.Done()
	assert.NoError(t, p.Err())
	assert.Equal(t, int64(2), p.Version())
	assert.Equal(t, []string{"hello world", "say: hello world"}, seen)
}

func TestReplicaAckBeforeEarlierChange(t *testing.T) {
	r := loadedReplica(t, "hello", 0)
	_, err := r.Edit(insert("mine", "", 5, "!"))
	require.NoError(t, err)

	// the ack for v2 overtakes the change for v1
	assert.True(t, r.HandleAck(protocol.Ack{OperationID: "mine", Version: 2}))
	assert.Equal(t, 1, r.Queue().Len())
	assert.False(t, r.HandleChange(protocol.Change{Version: 1, AuthorID: "bob", Operation: insert("theirs", "bob", 0, ">")}))
	assert.Equal(t, ">hello!", r.Content())
	assert.Equal(t, 0, r.Queue().Len())
	assert.Equal(t, int64(2), r.Version())
}

func TestReplicaAckThroughResync(t *testing.T) {
	r := loadedReplica(t, "hello", 3)
	p, err := r.Edit(insert("mine", "", 0, "> "))
	require.NoError(t, err)

	// the ack was lost with the connection, the resync carries our own operation
	r.ApplySync(protocol.SyncResponse{Version: 4, Entries: []history.Entry{
		{DocumentID: "doc", Version: 4, AuthorID: "alice", Operations: []ot.Operation{insert("mine", "alice", 0, "> ")}},
	}})
	assert.Equal(t, "> hello", r.Content())
	assert.Equal(t, int64(4), r.Version())
	assert.Equal(t, 0, r.Queue().Len())
	<-p.Done()
	assert.NoError(t, p.Err())

	// a late duplicate acknowledgement is harmless
	assert.False(t, r.HandleAck(protocol.Ack{OperationID: "mine", Version: 4, Duplicate: true}))
	assert.False(t, r.HasGap())
}

func TestReplicaSnapshotRejectsPending(t *testing.T) {
	r := loadedReplica(t, "hello", 3)
	p, err := r.Edit(insert("mine", "", 0, "x"))
	require.NoError(t, err)

	snapshot := "fresh"
	r.ApplySync(protocol.SyncResponse{Version: 200, Snapshot: &snapshot})
	<-p.Done()
	assert.ErrorIs(t, p.Err(), history.ErrHistoryUnavailable)
	assert.Equal(t, "fresh", r.Content())
	assert.Equal(t, int64(200), r.Queue().Base())
	assert.Equal(t, 0, r.Queue().Len())
}

func TestReplicaSnapshotAcknowledgesAppliedHead(t *testing.T) {
	r := loadedReplica(t, "hello", 0)
	committed, err := r.Edit(insert("mine", "", 5, "!"))
	require.NoError(t, err)
	queued, err := r.Edit(insert("later", "", 0, ">"))
	require.NoError(t, err)

	// the head was committed before the connection dropped and the resync came back as a snapshot
	snapshot := "hello!"
	r.ApplySync(protocol.SyncResponse{Version: 201, Snapshot: &snapshot, Applied: []protocol.Applied{
		{OperationID: "other", Version: 120},
		{OperationID: "mine", Version: 150},
	}})
	<-committed.Done()
	assert.NoError(t, committed.Err())
	assert.Equal(t, int64(150), committed.Version())
	<-queued.Done()
	assert.ErrorIs(t, queued.Err(), history.ErrHistoryUnavailable)
	assert.Equal(t, "hello!", r.Content())
	assert.Equal(t, int64(201), r.Version())
	assert.Equal(t, int64(201), r.Queue().Base())
	assert.Equal(t, 0, r.Queue().Len())
}

func TestReplicaUnexpectedAckForcesSnapshot(t *testing.T) {
	r := loadedReplica(t, "hello", 0)
	r.HandleAck(protocol.Ack{OperationID: "unknown", Version: 1})
	assert.True(t, r.HasGap())
	assert.Nil(t, r.SyncRequest())
}
