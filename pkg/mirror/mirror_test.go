package mirror

import (
	"context"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

func record(t *testing.T, l *history.Log, id string, version int64, author string, ops ...ot.Operation) {
	require.NoError(t, l.RecordVersion(context.Background(), id, version, ops, author, nil))
}

func TestExportStore(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	l, err := history.NewLog(store, history.Config{})
	require.NoError(t, err)
	require.NoError(t, l.Init(ctx, "doc", "hello", 0))
	record(t, l, "doc", 1, "alice", ot.Operation{ID: "a", Kind: ot.Insert, Position: 5, Text: " world"})
	record(t, l, "doc", 2, "bob", ot.Operation{ID: "b", Kind: ot.Insert, Position: 0, Text: "say: "})
	record(t, l, "doc", 3, "bob", ot.Operation{ID: "c", Kind: ot.Retain, Position: 0, Length: 3})
	record(t, l, "doc", 4, "alice", ot.Operation{ID: "d", Kind: ot.Delete, Position: 3, Length: 2})

	doc, err := ExportStore(ctx, store, "doc")
	require.NoError(t, err)
	content, err := Content(doc)
	require.NoError(t, err)
	assert.Equal(t, "say hello world", content)

	changes, err := doc.Changes()
	require.NoError(t, err)
	assert.Len(t, changes, 5)

	// every version can be checked out again
	at, err := doc.Fork(changes[2].Hash())
	require.NoError(t, err)
	content, err = Content(at)
	require.NoError(t, err)
	assert.Equal(t, "say: hello world", content)

	loaded, err := automerge.Load(doc.Save())
	require.NoError(t, err)
	content, err = Content(loaded)
	require.NoError(t, err)
	assert.Equal(t, "say hello world", content)
}

func TestExportRejectsBadLogs(t *testing.T) {
	_, err := Export(nil)
	assert.ErrorIs(t, err, ErrNoGenesis)

	genesis := "x"
	_, err = Export([]history.Entry{
		{DocumentID: "doc", Version: 0, Snapshot: &genesis},
		{DocumentID: "doc", Version: 2},
	})
	assert.ErrorIs(t, err, history.ErrHistoryUnavailable)
}

func TestExportUnknownDocument(t *testing.T) {
	_, err := ExportStore(context.Background(), history.NewMemoryStore(), "missing")
	assert.ErrorIs(t, err, ErrNoGenesis)
}
