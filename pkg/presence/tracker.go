package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const DefaultHeartbeatInterval = 30 * time.Second

type Cursor struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is the live state of one user in one document.
type Presence struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Color        string     `json:"color"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
}

// ColorFor maps a user id to a stable HSL color. Hue spans the whole wheel, saturation and lightness stay in a
// narrow band so that every color is readable on a light or dark background.
func ColorFor(userID string) string {
	h := xxhash.Sum64String(userID)
	hue := h % 360
	saturation := 65 + (h>>16)%16
	lightness := 45 + (h>>32)%11
	return fmt.Sprintf("hsl(%d, %d%%, %d%%)", hue, saturation, lightness)
}

// Tracker holds presence per document. Entries expire once they have been idle for two heartbeat intervals.
type Tracker struct {
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	docs map[string]map[string]*Presence
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func NewTracker(heartbeat time.Duration, opts ...Option) *Tracker {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	t := &Tracker{
		heartbeat: heartbeat,
		now:       time.Now,
		logger:    slog.Default(),
		docs:      make(map[string]map[string]*Presence),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update upserts the presence of userID in documentID, sweeps idle users and returns who is left. A nil cursor
// or selection keeps the previous value.
func (t *Tracker) Update(documentID, userID, displayName string, cursor *Cursor, selection *Selection) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.docs[documentID]
	if !ok {
		users = make(map[string]*Presence)
		t.docs[documentID] = users
	}
	p, ok := users[userID]
	if !ok {
		p = &Presence{UserID: userID, Color: ColorFor(userID)}
		users[userID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if cursor != nil {
		c := *cursor
		p.Cursor = &c
	}
	if selection != nil {
		s := *selection
		p.Selection = &s
	}
	p.LastActiveAt = t.now()
	return t.sweepLocked(documentID)
}

// Touch refreshes the activity time of a user that is already present, for example after an edit.
func (t *Tracker) Touch(documentID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.docs[documentID][userID]; ok {
		p.LastActiveAt = t.now()
		return true
	}
	return false
}

// SweepInactive drops users idle for longer than twice the heartbeat interval and returns the rest.
func (t *Tracker) SweepInactive(documentID string) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(documentID)
}

func (t *Tracker) sweepLocked(documentID string) []Presence {
	users := t.docs[documentID]
	cutoff := t.now().Add(-2 * t.heartbeat)
	out := make([]Presence, 0, len(users))
	for id, p := range users {
		if p.LastActiveAt.Before(cutoff) {
			delete(users, id)
			t.logger.Debug("presence expired", "document", documentID, "user", id)
			continue
		}
		out = append(out, clone(p))
	}
	if len(users) == 0 {
		delete(t.docs, documentID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func clone(p *Presence) Presence {
	c := *p
	if p.Cursor != nil {
		cur := *p.Cursor
		c.Cursor = &cur
	}
	if p.Selection != nil {
		sel := *p.Selection
		c.Selection = &sel
	}
	return c
}

// List returns the current presence of a document without sweeping.
func (t *Tracker) List(documentID string) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.docs[documentID]
	out := make([]Presence, 0, len(users))
	for _, p := range users {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Remove drops userID from documentID and reports whether it was present.
func (t *Tracker) Remove(documentID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.docs[documentID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.docs, documentID)
	}
	return true
}

// RemoveUser drops userID everywhere and returns the documents it was removed from.
func (t *Tracker) RemoveUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for documentID, users := range t.docs {
		if _, ok := users[userID]; ok {
			delete(users, userID)
			out = append(out, documentID)
			if len(users) == 0 {
				delete(t.docs, documentID)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Run sweeps every document on a fixed period until ctx is done, so documents nobody touches still expire.
// onExpired is called with the documents whose presence changed.
func (t *Tracker) Run(ctx context.Context, every time.Duration, onExpired func(documentID string, remaining []Presence)) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			t.sweepAll(onExpired)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) sweepAll(onExpired func(string, []Presence)) {
	t.mu.Lock()
	changed := make(map[string][]Presence)
	for documentID, users := range t.docs {
		before := len(users)
		remaining := t.sweepLocked(documentID)
		if len(remaining) != before {
			changed[documentID] = remaining
		}
	}
	t.mu.Unlock()
	if onExpired == nil {
		return
	}
	for documentID, remaining := range changed {
		onExpired(documentID, remaining)
	}
}
