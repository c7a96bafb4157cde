package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/astromechza/textsync/pkg/ot"
)

const (
	DefaultHistoryCap       = 100
	DefaultSnapshotInterval = 10
	DefaultCacheSize        = 256
)

type Config struct {
	// HistoryCap is the number of entries kept addressable per document.
	HistoryCap int
	// SnapshotInterval attaches a content snapshot every N versions.
	SnapshotInterval int
	// CacheSize bounds the number of reconstructed historical contents kept around.
	CacheSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type cacheKey struct {
	documentID string
	version    int64
}

// docLog is the addressable window of one document. entries is contiguous and ascending. anchor holds the
// newest snapshot that was trimmed out of the window, if any.
type docLog struct {
	mu      sync.RWMutex
	entries []Entry
	anchor  *Entry
	genesis int64
}

func (d *docLog) current() int64 {
	return d.entries[len(d.entries)-1].Version
}

func (d *docLog) index(version int64) int {
	i := int(version - d.entries[0].Version)
	if i < 0 || i >= len(d.entries) {
		return -1
	}
	return i
}

// Log is the capped, in-memory version history of every document, written through to a Store.
type Log struct {
	store  Store
	cfg    Config
	cache  *lru.Cache[cacheKey, string]
	mu     sync.RWMutex
	docs   map[string]*docLog
	// initializing holds documents whose genesis is being written to the store.
	initializing map[string]bool
	logger       *slog.Logger
}

func NewLog(store Store, cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if store == nil {
		store = NewMemoryStore()
	}
	cache, err := lru.New[cacheKey, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create content cache: %w", err)
	}
	return &Log{
		store:        store,
		cfg:          cfg,
		cache:        cache,
		docs:         make(map[string]*docLog),
		initializing: make(map[string]bool),
		logger:       cfg.Logger,
	}, nil
}

func (l *Log) Store() Store {
	return l.store
}

func (l *Log) doc(documentID string) (*docLog, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, documentID)
	}
	return d, nil
}

// Init records the genesis entry of a document: a snapshot of content at version. Other documents stay
// readable while the store is written.
func (l *Log) Init(ctx context.Context, documentID, content string, version int64) error {
	l.mu.Lock()
	if _, ok := l.docs[documentID]; ok || l.initializing[documentID] {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, documentID)
	}
	l.initializing[documentID] = true
	l.mu.Unlock()

	entry := Entry{DocumentID: documentID, Version: version, Timestamp: l.cfg.Now().UTC(), Snapshot: &content}
	err := l.store.Append(ctx, entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.initializing, documentID)
	if err != nil {
		if errors.Is(err, ErrDuplicateVersion) {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, documentID)
		}
		return fmt.Errorf("failed to persist genesis: %w", err)
	}
	l.docs[documentID] = &docLog{entries: []Entry{entry}, genesis: version}
	return nil
}

// Restore loads the latest state of a document from the store into the log and returns it.
func (l *Log) Restore(ctx context.Context, documentID string) (string, int64, error) {
	snap, err := l.store.ReadSnapshot(ctx, documentID, math.MaxInt64)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return "", 0, fmt.Errorf("%w: %s", ErrNotInitialized, documentID)
		}
		return "", 0, fmt.Errorf("failed to read snapshot: %w", err)
	}
	rest, err := l.store.ReadRange(ctx, documentID, snap.Version+1, math.MaxInt64)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read range: %w", err)
	}
	for i, e := range rest {
		if e.Version != snap.Version+int64(i)+1 {
			return "", 0, fmt.Errorf("%w: gap at %s@%d", ErrHistoryUnavailable, documentID, snap.Version+int64(i)+1)
		}
	}
	content, err := Replay(*snap.Snapshot, rest)
	if err != nil {
		return "", 0, fmt.Errorf("failed to replay %s: %w", documentID, err)
	}

	d := &docLog{entries: append([]Entry{snap}, rest...), genesis: snap.Version}
	d.trim(l.cfg.HistoryCap)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.docs[documentID]; ok || l.initializing[documentID] {
		return "", 0, fmt.Errorf("%w: %s", ErrAlreadyInitialized, documentID)
	}
	l.docs[documentID] = d
	version := snap.Version + int64(len(rest))
	l.logger.Info("restored document history", "document", documentID, "version", version, "snapshot", snap.Version)
	return content, version, nil
}

// SnapshotDue reports whether the entry for version should carry a content snapshot.
func (l *Log) SnapshotDue(version int64) bool {
	return version%int64(l.cfg.SnapshotInterval) == 0
}

// RecordVersion appends the entry for version. The store is written first; if that fails the in-memory log is
// untouched.
func (l *Log) RecordVersion(ctx context.Context, documentID string, version int64, ops []ot.Operation, authorID string, snapshot *string) error {
	d, err := l.doc(documentID)
	if err != nil {
		return err
	}
	d.mu.RLock()
	next := d.current() + 1
	d.mu.RUnlock()
	if version != next {
		return fmt.Errorf("non contiguous version %d for %s, expected %d", version, documentID, next)
	}

	entry := Entry{
		DocumentID: documentID,
		Version:    version,
		Operations: append([]ot.Operation(nil), ops...),
		AuthorID:   authorID,
		Timestamp:  l.cfg.Now().UTC(),
		Snapshot:   snapshot,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist version %d: %w", version, err)
	}

	d.mu.Lock()
	d.entries = append(d.entries, entry)
	evicted := d.trim(l.cfg.HistoryCap)
	d.mu.Unlock()
	if evicted > 0 {
		l.logger.Debug("trimmed history", "document", documentID, "evicted", evicted, "version", version)
	}
	return nil
}

// trim drops the oldest entries above limit, keeping the newest snapshot among them as the anchor.
func (d *docLog) trim(limit int) int {
	n := len(d.entries) - limit
	if n <= 0 {
		return 0
	}
	for i := n - 1; i >= 0; i-- {
		if d.entries[i].Snapshot != nil {
			e := d.entries[i]
			d.anchor = &e
			break
		}
	}
	d.entries = append([]Entry(nil), d.entries[n:]...)
	return n
}

// ReadNewer returns the entries another writer appended to the store after the newest version in the log.
// Nothing is recorded; pass the entries to Adopt once they have been applied.
func (l *Log) ReadNewer(ctx context.Context, documentID string) ([]Entry, error) {
	d, err := l.doc(documentID)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	from := d.current() + 1
	d.mu.RUnlock()
	entries, err := l.store.ReadRange(ctx, documentID, from, math.MaxInt64)
	if err != nil {
		return nil, fmt.Errorf("failed to read range: %w", err)
	}
	for i, e := range entries {
		if e.Version != from+int64(i) {
			return nil, fmt.Errorf("%w: gap at %s@%d", ErrHistoryUnavailable, documentID, from+int64(i))
		}
	}
	return entries, nil
}

// Adopt records entries that are already in the store. They must directly follow the newest version.
func (l *Log) Adopt(documentID string, entries []Entry) error {
	d, err := l.doc(documentID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range entries {
		if want := d.current() + 1; e.Version != want {
			return fmt.Errorf("non contiguous version %d for %s, expected %d", e.Version, documentID, want)
		}
		d.entries = append(d.entries, entries[i])
	}
	d.trim(l.cfg.HistoryCap)
	return nil
}

// Current returns the newest recorded version of a document.
func (l *Log) Current(documentID string) (int64, error) {
	d, err := l.doc(documentID)
	if err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current(), nil
}

// OperationsSince returns every entry after from, plus the current version. It fails with ErrVersionTooOld
// once any of those entries has been trimmed away.
func (l *Log) OperationsSince(_ context.Context, documentID string, from int64) ([]Entry, int64, error) {
	d, err := l.doc(documentID)
	if err != nil {
		return nil, 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	current := d.current()
	switch {
	case from > current:
		return nil, current, fmt.Errorf("%w: %d > %d", ErrVersionAhead, from, current)
	case from == current:
		return nil, current, nil
	case from < d.genesis || from < d.entries[0].Version-1:
		return nil, current, fmt.Errorf("%w: %d, oldest addressable is %d", ErrVersionTooOld, from, d.entries[0].Version)
	}
	start := d.index(from + 1)
	out := make([]Entry, len(d.entries)-start)
	copy(out, d.entries[start:])
	return out, current, nil
}

// ReadSince is OperationsSince answered from the store, for versions that were trimmed from the log. It fails
// with ErrHistoryUnavailable when the store does not hold every entry either.
func (l *Log) ReadSince(ctx context.Context, documentID string, from int64) ([]Entry, int64, error) {
	current, err := l.Current(documentID)
	if err != nil {
		return nil, 0, err
	}
	if from > current {
		return nil, current, fmt.Errorf("%w: %d > %d", ErrVersionAhead, from, current)
	}
	entries, err := l.store.ReadRange(ctx, documentID, from+1, current)
	if err != nil {
		return nil, current, fmt.Errorf("failed to read range: %w", err)
	}
	if int64(len(entries)) != current-from {
		return nil, current, fmt.Errorf("%w: %s has gaps after %d in the store", ErrHistoryUnavailable, documentID, from)
	}
	for i, e := range entries {
		if e.Version != from+int64(i)+1 {
			return nil, current, fmt.Errorf("%w: gap at %s@%d", ErrHistoryUnavailable, documentID, from+int64(i)+1)
		}
	}
	return entries, current, nil
}

// Addressable returns a copy of the entries currently kept in the log, oldest first.
func (l *Log) Addressable(documentID string) ([]Entry, error) {
	d, err := l.doc(documentID)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Entry(nil), d.entries...), nil
}

// ContentAt rebuilds the document as it was at target: the nearest snapshot at or before target, with the
// following operations replayed forward.
func (l *Log) ContentAt(ctx context.Context, documentID string, target int64) (string, error) {
	d, err := l.doc(documentID)
	if err != nil {
		return "", err
	}
	key := cacheKey{documentID, target}
	if content, ok := l.cache.Get(key); ok {
		return content, nil
	}

	content, ok, err := d.contentAt(target)
	if err != nil {
		return "", err
	}
	if !ok {
		if content, err = l.contentFromStore(ctx, documentID, target); err != nil {
			return "", err
		}
	}
	l.cache.Add(key, content)
	return content, nil
}

func (d *docLog) contentAt(target int64) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if current := d.current(); target > current {
		return "", false, fmt.Errorf("%w: %d > %d", ErrVersionAhead, target, current)
	}
	if target < d.genesis {
		// Older than anything this process loaded, only the store can answer.
		return "", false, nil
	}
	if idx := d.index(target); idx >= 0 {
		for i := idx; i >= 0; i-- {
			if d.entries[i].Snapshot == nil {
				continue
			}
			content, err := Replay(*d.entries[i].Snapshot, d.entries[i+1:idx+1])
			return content, err == nil, err
		}
		// No snapshot left in the window, replay from the anchor when nothing between them was lost.
		if d.anchor != nil && d.anchor.Version == d.entries[0].Version-1 {
			content, err := Replay(*d.anchor.Snapshot, d.entries[:idx+1])
			return content, err == nil, err
		}
		return "", false, nil
	}
	if d.anchor != nil && d.anchor.Version == target {
		return *d.anchor.Snapshot, true, nil
	}
	return "", false, nil
}

func (l *Log) contentFromStore(ctx context.Context, documentID string, target int64) (string, error) {
	snap, err := l.store.ReadSnapshot(ctx, documentID, target)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return "", fmt.Errorf("%w: %s@%d", ErrHistoryUnavailable, documentID, target)
		}
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}
	entries, err := l.store.ReadRange(ctx, documentID, snap.Version+1, target)
	if err != nil {
		return "", fmt.Errorf("failed to read range: %w", err)
	}
	if int64(len(entries)) != target-snap.Version {
		return "", fmt.Errorf("%w: %s@%d has gaps in the store", ErrHistoryUnavailable, documentID, target)
	}
	return Replay(*snap.Snapshot, entries)
}
