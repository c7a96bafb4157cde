// Package storetest checks that a history.Store behaves the way the version log relies on.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

// Run exercises store. Document ids are random so a shared database can be reused between runs.
func Run(t *testing.T, store history.Store) {
	ctx := context.Background()
	doc := "doc-" + uuid.NewString()
	other := "doc-" + uuid.NewString()
	genesis := "hello"
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Append(ctx, history.Entry{DocumentID: doc, Version: 0, Timestamp: at, Snapshot: &genesis}))
	for v := int64(1); v <= 6; v++ {
		e := history.Entry{
			DocumentID: doc,
			Version:    v,
			AuthorID:   "alice",
			Timestamp:  at.Add(time.Duration(v) * time.Second),
			Operations: []ot.Operation{{ID: uuid.NewString(), Kind: ot.Insert, Position: 5, Text: "!", AuthorID: "alice", BaseVersion: v - 1}},
		}
		if v == 4 {
			snap := "hello!!!!"
			e.Snapshot = &snap
		}
		require.NoError(t, store.Append(ctx, e))
	}
	require.NoError(t, store.Append(ctx, history.Entry{DocumentID: other, Version: 3, Timestamp: at, Snapshot: &genesis}))

	t.Run("duplicate", func(t *testing.T) {
		err := store.Append(ctx, history.Entry{DocumentID: doc, Version: 2, Timestamp: at})
		assert.ErrorIs(t, err, history.ErrDuplicateVersion)
	})

	t.Run("range", func(t *testing.T) {
		got, err := store.ReadRange(ctx, doc, 2, 4)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, e := range got {
			assert.Equal(t, int64(2+i), e.Version)
			assert.Equal(t, doc, e.DocumentID)
		}
		assert.Equal(t, "alice", got[0].AuthorID)
		assert.True(t, at.Add(2*time.Second).Equal(got[0].Timestamp))
		require.Len(t, got[0].Operations, 1)
		assert.Equal(t, ot.Insert, got[0].Operations[0].Kind)
		assert.Equal(t, "!", got[0].Operations[0].Text)
		assert.Nil(t, got[0].Snapshot)
		require.NotNil(t, got[2].Snapshot)
		assert.Equal(t, "hello!!!!", *got[2].Snapshot)

		got, err = store.ReadRange(ctx, doc, 10, 20)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("snapshot", func(t *testing.T) {
		e, err := store.ReadSnapshot(ctx, doc, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(0), e.Version)
		require.NotNil(t, e.Snapshot)
		assert.Equal(t, genesis, *e.Snapshot)

		e, err = store.ReadSnapshot(ctx, doc, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(4), e.Version)

		_, err = store.ReadSnapshot(ctx, other, 2)
		assert.ErrorIs(t, err, history.ErrNoSnapshot)
	})

	if lister, ok := store.(history.Lister); ok {
		t.Run("documents", func(t *testing.T) {
			docs, err := lister.Documents(ctx)
			require.NoError(t, err)
			assert.Contains(t, docs, doc)
			assert.Contains(t, docs, other)
		})
	}

	t.Run("log", func(t *testing.T) {
		l, err := history.NewLog(store, history.Config{SnapshotInterval: 4})
		require.NoError(t, err)
		content, version, err := l.Restore(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, "hello!!!!!!", content)
		assert.Equal(t, int64(6), version)
		got, err := l.ContentAt(ctx, doc, 2)
		require.NoError(t, err)
		assert.Equal(t, "hello!!", got)
	})
}
