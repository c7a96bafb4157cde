// Package mirror rebuilds a document's version log as an automerge document, one commit per version, so the
// history can be inspected with automerge tooling.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/ot"
)

// ContentKey is the root map key holding the text.
const ContentKey = "content"

var ErrNoGenesis = errors.New("first entry carries no snapshot")

// Export replays entries, which must start with a snapshot and be contiguous.
func Export(entries []history.Entry) (*automerge.Doc, error) {
	if len(entries) == 0 || entries[0].Snapshot == nil {
		return nil, ErrNoGenesis
	}
	doc := automerge.New()
	if err := doc.Path(ContentKey).Set(automerge.NewText(*entries[0].Snapshot)); err != nil {
		return nil, fmt.Errorf("failed to set genesis: %w", err)
	}
	if _, err := doc.Commit(message(entries[0]), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, fmt.Errorf("failed to commit genesis: %w", err)
	}
	text := doc.Path(ContentKey).Text()

	for i, e := range entries[1:] {
		if want := entries[0].Version + int64(i) + 1; e.Version != want {
			return nil, fmt.Errorf("%w: expected version %d, got %d", history.ErrHistoryUnavailable, want, e.Version)
		}
		for _, op := range e.Operations {
			var err error
			switch op.Kind {
			case ot.Insert:
				err = text.Insert(op.Position, op.Text)
			case ot.Delete:
				if op.Length > 0 {
					err = text.Delete(op.Position, op.Length)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("failed to apply %s at v%d: %w", op, e.Version, err)
			}
		}
		if _, err := doc.Commit(message(e), automerge.CommitOptions{AllowEmpty: true}); err != nil {
			return nil, fmt.Errorf("failed to commit v%d: %w", e.Version, err)
		}
	}
	return doc, nil
}

// ExportStore reads the whole stored log of a document and exports it.
func ExportStore(ctx context.Context, store history.Store, documentID string) (*automerge.Doc, error) {
	entries, err := store.ReadRange(ctx, documentID, math.MinInt64, math.MaxInt64)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", documentID, err)
	}
	return Export(entries)
}

// Content returns the text of an exported document.
func Content(doc *automerge.Doc) (string, error) {
	return doc.Path(ContentKey).Text().Get()
}

func message(e history.Entry) string {
	if e.AuthorID == "" {
		return fmt.Sprintf("v%d", e.Version)
	}
	return fmt.Sprintf("v%d %s", e.Version, e.AuthorID)
}
