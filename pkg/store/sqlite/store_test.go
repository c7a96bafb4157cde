package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/textsync/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	require.NoError(t, err)
	defer s.Close()
	storetest.Run(t, s)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.sqlite3")
	s, err := Open(path)
	require.NoError(t, err)
	storetest.Run(t, s)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	docs, err := s.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
}
