package presence

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewTracker(time.Second, WithClock(clock.Now)), clock
}

func TestUpdateUpserts(t *testing.T) {
	tr, clock := newTestTracker()
	users := tr.Update("doc", "u1", "Ada", &Cursor{Row: 1, Column: 2}, nil)
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].DisplayName)
	assert.Equal(t, &Cursor{Row: 1, Column: 2}, users[0].Cursor)
	assert.Nil(t, users[0].Selection)
	assert.Equal(t, clock.Now(), users[0].LastActiveAt)

	clock.Advance(100 * time.Millisecond)
	users = tr.Update("doc", "u1", "", nil, &Selection{Start: 3, End: 9})
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].DisplayName, "empty display name keeps the old one")
	assert.Equal(t, &Cursor{Row: 1, Column: 2}, users[0].Cursor, "nil cursor keeps the old one")
	assert.Equal(t, &Selection{Start: 3, End: 9}, users[0].Selection)
	assert.Equal(t, clock.Now(), users[0].LastActiveAt)

	users = tr.Update("doc", "u0", "Bob", nil, nil)
	require.Len(t, users, 2)
	assert.Equal(t, "u0", users[0].UserID)
	assert.Equal(t, "u1", users[1].UserID)
}

func TestReturnedPresenceIsACopy(t *testing.T) {
	tr, _ := newTestTracker()
	users := tr.Update("doc", "u1", "Ada", &Cursor{Row: 1}, nil)
	users[0].Cursor.Row = 99
	assert.Equal(t, 1, tr.List("doc")[0].Cursor.Row)
}

func TestSweepInactive(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Update("doc", "idle", "Idle", nil, nil)
	clock.Advance(1500 * time.Millisecond)
	tr.Update("doc", "busy", "Busy", nil, nil)

	clock.Advance(500 * time.Millisecond)
	// idle is exactly two intervals old, which is still alive.
	assert.Len(t, tr.SweepInactive("doc"), 2)

	clock.Advance(time.Millisecond)
	users := tr.SweepInactive("doc")
	require.Len(t, users, 1)
	assert.Equal(t, "busy", users[0].UserID)
}

func TestUpdateSweepsOpportunistically(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Update("doc", "old", "Old", nil, nil)
	clock.Advance(3 * time.Second)
	users := tr.Update("doc", "new", "New", nil, nil)
	require.Len(t, users, 1)
	assert.Equal(t, "new", users[0].UserID)
}

func TestTouch(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Update("doc", "u1", "Ada", nil, nil)
	clock.Advance(1900 * time.Millisecond)
	assert.True(t, tr.Touch("doc", "u1"))
	assert.False(t, tr.Touch("doc", "u2"))
	clock.Advance(1900 * time.Millisecond)
	assert.Len(t, tr.SweepInactive("doc"), 1)
}

func TestRemove(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Update("a", "u1", "Ada", nil, nil)
	tr.Update("b", "u1", "Ada", nil, nil)
	tr.Update("b", "u2", "Bob", nil, nil)

	assert.True(t, tr.Remove("a", "u1"))
	assert.False(t, tr.Remove("a", "u1"))
	assert.Empty(t, tr.List("a"))

	tr.Update("c", "u1", "Ada", nil, nil)
	assert.Equal(t, []string{"b", "c"}, tr.RemoveUser("u1"))
	users := tr.List("b")
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].UserID)
}

func TestColorForIsStableAndInBand(t *testing.T) {
	re := regexp.MustCompile(`^hsl\((\d+), (\d+)%, (\d+)%\)$`)
	for _, id := range []string{"alice", "bob", "carol", "", "user-123"} {
		c := ColorFor(id)
		assert.Equal(t, c, ColorFor(id))
		m := re.FindStringSubmatch(c)
		require.NotNil(t, m, c)
	}
	assert.NotEqual(t, ColorFor("alice"), ColorFor("bob"))
}

func TestRunSweepsIdleDocuments(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Update("doc", "u1", "Ada", nil, nil)
	clock.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	expired := make(chan string, 1)
	go tr.Run(ctx, 5*time.Millisecond, func(documentID string, remaining []Presence) {
		if len(remaining) == 0 {
			select {
			case expired <- documentID:
			default:
			}
		}
	})

	select {
	case id := <-expired:
		assert.Equal(t, "doc", id)
	case <-time.After(2 * time.Second):
		t.Fatal("periodic sweep never expired the idle user")
	}
	assert.Empty(t, tr.List("doc"))
}
