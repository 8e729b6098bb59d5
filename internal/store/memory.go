package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Hub is the in-process implementation of the store: one shared tree of
// values plus ordered append channels. Clients obtain their own connection
// via Client(); per-connection disconnect cleanups fire when that connection
// closes, the way the real store removes a crashed writer's keys.
//
// All watcher callbacks are delivered from a single dispatch goroutine, in
// the order the mutations happened. Callbacks may call back into the store.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	values   map[string][]byte
	channels map[string][]chanEntry
	watchers map[uint64]*watcher
	queue    []func()
	seq      uint64
	subSeq   uint64
	closed   bool
}

type chanEntry struct {
	key   string
	value []byte
}

const (
	watchKindValue = iota
	watchKindTree
	watchKindAppends
)

type watcher struct {
	kind    int
	path    string
	onValue func(value []byte, present bool)
	onTree  func(snapshot map[string][]byte)
	onEntry func(entryKey string, value []byte)

	mu      sync.Mutex
	stopped bool
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (w *watcher) live() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped
}

func NewHub() *Hub {
	h := &Hub{
		values:   make(map[string][]byte),
		channels: make(map[string][]chanEntry),
		watchers: make(map[uint64]*watcher),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.dispatch()
	return h
}

// Client returns a new connection to the hub.
func (h *Hub) Client() Store {
	return &memoryConn{hub: h}
}

// Close shuts the hub down after draining queued notifications.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (h *Hub) dispatch() {
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		job := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		job()
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(w *watcher, job func()) {
	h.queue = append(h.queue, func() {
		if w.live() {
			job()
		}
	})
	h.cond.Signal()
}

// snapshotTree must be called with h.mu held.
func (h *Hub) snapshotTree(prefix string) map[string][]byte {
	snap := make(map[string][]byte)
	for k, v := range h.values {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			snap[k] = bytes.Clone(v)
		}
	}
	return snap
}

// notifyKey must be called with h.mu held. It fans a single-key change out
// to value watchers on that key and tree watchers covering it.
func (h *Hub) notifyKey(key string, value []byte, present bool) {
	for _, w := range h.watchers {
		switch w.kind {
		case watchKindValue:
			if w.path == key {
				v, fn := bytes.Clone(value), w.onValue
				h.enqueue(w, func() { fn(v, present) })
			}
		case watchKindTree:
			if key == w.path || strings.HasPrefix(key, w.path+"/") {
				snap, fn := h.snapshotTree(w.path), w.onTree
				h.enqueue(w, func() { fn(snap) })
			}
		}
	}
}

func (h *Hub) write(key string, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[key] = bytes.Clone(value)
	h.notifyKey(key, value, true)
}

func (h *Hub) remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []string
	for k := range h.values {
		if k == key || strings.HasPrefix(k, key+"/") {
			removed = append(removed, k)
		}
	}
	for _, k := range removed {
		delete(h.values, k)
		h.notifyKey(k, nil, false)
	}
	// Channels live under the same path namespace; removing the path drops
	// the backlog. Watchers stay attached and see entries of a re-created
	// channel, as with the real store.
	for name := range h.channels {
		if name == key || strings.HasPrefix(name, key+"/") {
			delete(h.channels, name)
		}
	}
}

func (h *Hub) append(channel string, value []byte) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	entry := chanEntry{key: fmt.Sprintf("m%016d", h.seq), value: bytes.Clone(value)}
	h.channels[channel] = append(h.channels[channel], entry)
	for _, w := range h.watchers {
		if w.kind == watchKindAppends && w.path == channel {
			k, v, fn := entry.key, bytes.Clone(entry.value), w.onEntry
			h.enqueue(w, func() { fn(k, v) })
		}
	}
	return entry.key
}

func (h *Hub) removeAppended(channel, entryKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.channels[channel]
	for i, e := range entries {
		if e.key == entryKey {
			h.channels[channel] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (h *Hub) addWatcher(w *watcher) (StopFunc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subSeq++
	id := h.subSeq
	h.watchers[id] = w

	// Initial delivery happens through the same queue so it cannot overtake
	// notifications already in flight.
	switch w.kind {
	case watchKindValue:
		v, ok := h.values[w.path]
		v, fn := bytes.Clone(v), w.onValue
		h.enqueue(w, func() { fn(v, ok) })
	case watchKindTree:
		snap, fn := h.snapshotTree(w.path), w.onTree
		h.enqueue(w, func() { fn(snap) })
	case watchKindAppends:
		for _, e := range h.channels[w.path] {
			k, v, fn := e.key, bytes.Clone(e.value), w.onEntry
			h.enqueue(w, func() { fn(k, v) })
		}
	}

	return func() {
		w.stop()
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}, nil
}

// memoryConn is one client's connection to a Hub.
type memoryConn struct {
	hub *Hub

	mu      sync.Mutex
	closed  bool
	cleanup []string
	stops   []StopFunc
}

func (c *memoryConn) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *memoryConn) ReadOnce(key string) ([]byte, bool, error) {
	if err := c.guard(); err != nil {
		return nil, false, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	v, ok := c.hub.values[key]
	return bytes.Clone(v), ok, nil
}

func (c *memoryConn) ReadTree(prefix string) (map[string][]byte, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.snapshotTree(prefix), nil
}

func (c *memoryConn) Write(key string, value []byte) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.hub.write(key, value)
	return nil
}

func (c *memoryConn) WriteServerTimestamp(key string) error {
	if err := c.guard(); err != nil {
		return err
	}
	ts, _ := json.Marshal(time.Now().UnixMilli())
	c.hub.write(key, ts)
	return nil
}

func (c *memoryConn) Remove(key string) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.hub.remove(key)
	return nil
}

func (c *memoryConn) Append(channel string, value []byte) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	return c.hub.append(channel, value), nil
}

func (c *memoryConn) RemoveAppended(channel, entryKey string) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.hub.removeAppended(channel, entryKey)
	return nil
}

func (c *memoryConn) WatchValue(key string, fn func([]byte, bool)) (StopFunc, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.track(c.hub.addWatcher(&watcher{kind: watchKindValue, path: key, onValue: fn}))
}

func (c *memoryConn) WatchTree(prefix string, fn func(map[string][]byte)) (StopFunc, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.track(c.hub.addWatcher(&watcher{kind: watchKindTree, path: prefix, onTree: fn}))
}

func (c *memoryConn) WatchAppends(channel string, fn func(string, []byte)) (StopFunc, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c.track(c.hub.addWatcher(&watcher{kind: watchKindAppends, path: channel, onEntry: fn}))
}

func (c *memoryConn) track(stop StopFunc, err error) (StopFunc, error) {
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.stops = append(c.stops, stop)
	c.mu.Unlock()
	return stop, nil
}

func (c *memoryConn) OnDisconnectRemove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.cleanup = append(c.cleanup, key)
	return nil
}

// Close simulates the connection dropping: registered disconnect removals
// fire in registration order and every subscription is cancelled.
func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanup := c.cleanup
	stops := c.stops
	c.cleanup, c.stops = nil, nil
	c.mu.Unlock()

	for _, key := range cleanup {
		c.hub.remove(key)
		log.Debug().Str("module", "store.memory").Str("key", key).Msg("disconnect cleanup")
	}
	for _, stop := range stops {
		stop()
	}
	return nil
}
