package redisbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/textsync/pkg/coordinator"
	"github.com/astromechza/textsync/pkg/history"
	"github.com/astromechza/textsync/pkg/hub"
	"github.com/astromechza/textsync/pkg/ot"
)

func setupBus(t *testing.T) (*Bus, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, nil), client
}

func TestRelayIntoHub(t *testing.T) {
	bus, client := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	h := hub.New(8, nil)
	s := h.NewSubscriber("conn-2")
	h.Subscribe("doc", s)

	relayed := make(chan error, 1)
	go func() { relayed <- sub.Relay(ctx, h) }()

	// Garbage on a document channel is skipped.
	require.NoError(t, client.Publish(ctx, Channel("doc"), "not json").Err())

	want := coordinator.Change{
		DocumentID: "doc",
		Operation:  ot.Operation{ID: "op-1", Kind: ot.Insert, Position: 3, Text: "hi", AuthorID: "alice", BaseVersion: 4},
		Version:    5,
		AuthorID:   "alice",
		Origin:     "conn-1",
	}
	require.NoError(t, bus.Publish(ctx, want))

	select {
	case ev := <-s.Events():
		require.NotNil(t, ev.Change)
		assert.Equal(t, want, *ev.Change)
	case <-time.After(2 * time.Second):
		t.Fatal("change was not relayed")
	}

	cancel()
	select {
	case err := <-relayed:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestPublishFailsWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()
	err := New(client, nil).Publish(context.Background(), coordinator.Change{DocumentID: "doc"})
	assert.Error(t, err)
}

type process struct {
	coord *coordinator.Coordinator
	hub   *hub.Hub
}

// startProcess wires a coordinator the way cmd/server does when redis is configured.
func startProcess(ctx context.Context, t *testing.T, bus *Bus, store history.Store) process {
	l, err := history.NewLog(store, history.Config{})
	require.NoError(t, err)
	h := hub.New(8, nil)
	c, err := coordinator.New(coordinator.Config{Log: l, Broadcaster: bus})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	go func() { _ = sub.Relay(ctx, c.Follow(h)) }()
	return process{coord: c, hub: h}
}

func TestProcessesSharingAStoreStayInStep(t *testing.T) {
	bus, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := history.NewMemoryStore()
	a := startProcess(ctx, t, bus, store)
	b := startProcess(ctx, t, bus, store)

	require.NoError(t, a.coord.Init(ctx, coordinator.Document{ID: "doc", Content: "hello"}))
	_, err := b.coord.Open(ctx, "doc")
	require.NoError(t, err)
	s := b.hub.NewSubscriber("reader")
	b.hub.Subscribe("doc", s)

	_, err = a.coord.Submit(ctx, coordinator.SubmitRequest{
		DocumentID: "doc",
		Operation:  ot.Operation{ID: "a", Kind: ot.Insert, Position: 5, Text: " world", AuthorID: "alice"},
	})
	require.NoError(t, err)
	select {
	case ev := <-s.Events():
		require.NotNil(t, ev.Change)
		assert.Equal(t, int64(1), ev.Change.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("change was not relayed")
	}

	// b caught up before its subscribers heard of v1, so edits based on it apply directly
	doc, err := b.coord.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Content)
	res, err := b.coord.Submit(ctx, coordinator.SubmitRequest{
		DocumentID:  "doc",
		Operation:   ot.Operation{ID: "b", Kind: ot.Insert, Position: 0, Text: "say: ", AuthorID: "bob"},
		BaseVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	require.Eventually(t, func() bool {
		doc, err := a.coord.Get("doc")
		return err == nil && doc.Content == "say: hello world" && doc.Version == 2
	}, 2*time.Second, 5*time.Millisecond)
}
