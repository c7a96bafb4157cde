package history

import (
	"context"
	"errors"
	"time"

	"github.com/astromechza/textsync/pkg/ot"
)

var (
	// ErrVersionTooOld means the requested version has been trimmed from the addressable log. Callers fall back
	// to a full snapshot.
	ErrVersionTooOld = errors.New("version too old")

	// ErrVersionAhead means the requested version is newer than anything recorded.
	ErrVersionAhead = errors.New("version ahead of log")

	// ErrHistoryUnavailable means no snapshot at or before the version survives to rebuild it from.
	ErrHistoryUnavailable = errors.New("history unavailable")

	// ErrNotInitialized is returned for documents the log has never seen.
	ErrNotInitialized = errors.New("document not initialized in log")

	ErrAlreadyInitialized = errors.New("document already initialized in log")

	// ErrNoSnapshot is returned by a Store when no snapshot exists at or before the version asked for.
	ErrNoSnapshot = errors.New("no snapshot")

	// ErrDuplicateVersion is returned by a Store when a version is appended twice.
	ErrDuplicateVersion = errors.New("version already recorded")
)

// Entry is one applied version of a document. Operations are stored as applied, after transformation.
// Entries are never modified once appended.
type Entry struct {
	DocumentID string         `json:"documentId"`
	Version    int64          `json:"version"`
	Operations []ot.Operation `json:"operations"`
	AuthorID   string         `json:"authorId"`
	Timestamp  time.Time      `json:"timestamp"`
	Snapshot   *string        `json:"snapshot,omitempty"`
}

// Store is the durable side of the log. Implementations only need to keep entries in version order per
// document; the Log does all of the reasoning about snapshots and replay.
type Store interface {
	// Append persists entry. Appending an existing version fails with ErrDuplicateVersion.
	Append(ctx context.Context, entry Entry) error
	// ReadRange returns entries with from <= version <= to in ascending order.
	ReadRange(ctx context.Context, documentID string, from, to int64) ([]Entry, error)
	// ReadSnapshot returns the newest entry carrying a snapshot with version <= atOrBefore, or ErrNoSnapshot.
	ReadSnapshot(ctx context.Context, documentID string, atOrBefore int64) (Entry, error)
}

// Lister is implemented by stores that can enumerate the documents they hold.
type Lister interface {
	Documents(ctx context.Context) ([]string, error)
}

func operationsOf(entries []Entry) []ot.Operation {
	var ops []ot.Operation
	for _, e := range entries {
		ops = append(ops, e.Operations...)
	}
	return ops
}

// Replay applies entries on top of base. The run is compacted first so long typing bursts apply as a few
// splices.
func Replay(base string, entries []Entry) (string, error) {
	return ot.ApplyAll(base, ot.ComposeAll(operationsOf(entries)))
}
