// Package schedule holds per-key timing entries for events that should not be sent as fast as they arrive.
// Every key has an explicit entry with the time it last fired and the payload waiting to go out.
package schedule

import (
	"sync"
	"time"
)

const (
	DefaultThrottleInterval = 50 * time.Millisecond
	DefaultQuietInterval    = 100 * time.Millisecond
	DefaultMaxBatch         = 50
)

type throttleEntry[T any] struct {
	last    time.Time
	pending *T
	timer   *time.Timer
}

// Throttler sends the first event for a key straight away. Events that follow within the interval collapse
// into one trailing send of the latest payload.
type Throttler[T any] struct {
	interval time.Duration
	send     func(key string, v T)

	mu      sync.Mutex
	entries map[string]*throttleEntry[T]
	closed  bool
}

func NewThrottler[T any](interval time.Duration, send func(key string, v T)) *Throttler[T] {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttler[T]{interval: interval, send: send, entries: make(map[string]*throttleEntry[T])}
}

func (t *Throttler[T]) Submit(key string, v T) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry[T]{}
		t.entries[key] = e
	}
	if e.timer == nil && (!ok || now.Sub(e.last) >= t.interval) {
		e.last = now
		t.mu.Unlock()
		t.send(key, v)
		return
	}
	e.pending = &v
	if e.timer == nil {
		e.timer = time.AfterFunc(t.interval-now.Sub(e.last), func() { t.fire(key) })
	}
	t.mu.Unlock()
}

func (t *Throttler[T]) fire(key string) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	v := e.pending
	e.pending = nil
	e.timer = nil
	e.last = time.Now()
	t.mu.Unlock()
	if v != nil {
		t.send(key, *v)
	}
}

// Forget drops the entry for key along with any trailing send.
func (t *Throttler[T]) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, key)
	}
}

func (t *Throttler[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, e := range t.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, key)
	}
}

type debounceEntry[T any] struct {
	items []T
	timer *time.Timer
	gen   uint64
}

// Debouncer batches events per key. A batch fires once the key has been quiet for the interval, or at once
// when it reaches MaxBatch events.
type Debouncer[T any] struct {
	quiet    time.Duration
	maxBatch int
	fire     func(key string, batch []T)

	mu      sync.Mutex
	entries map[string]*debounceEntry[T]
	closed  bool
}

func NewDebouncer[T any](quiet time.Duration, maxBatch int, fire func(key string, batch []T)) *Debouncer[T] {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Debouncer[T]{quiet: quiet, maxBatch: maxBatch, fire: fire, entries: make(map[string]*debounceEntry[T])}
}

func (d *Debouncer[T]) Add(key string, v T) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	e, ok := d.entries[key]
	if !ok {
		e = &debounceEntry[T]{}
		d.entries[key] = e
	}
	e.items = append(e.items, v)
	if len(e.items) >= d.maxBatch {
		batch := d.takeLocked(key, e)
		d.mu.Unlock()
		d.fire(key, batch)
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d.quiet, func() { d.expire(key, gen) })
	d.mu.Unlock()
}

func (d *Debouncer[T]) takeLocked(key string, e *debounceEntry[T]) []T {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(d.entries, key)
	return e.items
}

func (d *Debouncer[T]) expire(key string, gen uint64) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || e.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	batch := d.takeLocked(key, e)
	d.mu.Unlock()
	d.fire(key, batch)
}

// Flush fires the batch for key now, if there is one.
func (d *Debouncer[T]) Flush(key string) {
	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}
	batch := d.takeLocked(key, e)
	d.mu.Unlock()
	d.fire(key, batch)
}

// Close stops every timer. Batches that have not fired are dropped.
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, e := range d.entries {
		d.takeLocked(key, e)
	}
}
