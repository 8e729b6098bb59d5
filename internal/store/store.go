// Package store defines the capability set this system expects from the
// shared real-time store: a keyed last-write-wins value tree plus ordered
// append-only channels, change subscriptions, and a best-effort "remove this
// key when the writer disconnects" primitive.
//
// Keys are slash-separated paths ("rooms/abc123/members/u_aa1111"). Channels
// live in their own namespace but are addressed by the same kind of path.
package store

import "errors"

var (
	ErrClosed = errors.New("store: connection closed")
)

// StopFunc cancels a subscription. Safe to call more than once.
type StopFunc func()

// Store is a single client's connection to the shared store.
//
// The store offers no delivery guarantees beyond per-channel append order and
// last-write-wins per key. Writes are arbitrated by the store itself; there
// is no cross-client locking.
type Store interface {
	// ReadOnce returns the current value of key, if present.
	ReadOnce(key string) (value []byte, ok bool, err error)

	// Write sets key to value, last write wins.
	Write(key string, value []byte) error

	// WriteServerTimestamp sets key to the store's own clock as a JSON
	// millisecond count, so timestamps order consistently regardless of
	// client clock skew.
	WriteServerTimestamp(key string) error

	// Remove deletes key and every key below it.
	Remove(key string) error

	// ReadTree returns a snapshot of every key at or below prefix.
	ReadTree(prefix string) (map[string][]byte, error)

	// Append adds value to channel and returns its generated entry key.
	// Entry keys sort in append order.
	Append(channel string, value []byte) (entryKey string, err error)

	// RemoveAppended deletes a single channel entry. Best effort.
	RemoveAppended(channel, entryKey string) error

	// WatchValue calls fn with the current value of key and again on every
	// change, including removal.
	WatchValue(key string, fn func(value []byte, present bool)) (StopFunc, error)

	// WatchTree calls fn with a full snapshot of the subtree under prefix,
	// immediately and again on every change beneath it.
	WatchTree(prefix string, fn func(snapshot map[string][]byte)) (StopFunc, error)

	// WatchAppends calls fn once per channel entry in append order, starting
	// with any backlog present at subscription time.
	WatchAppends(channel string, fn func(entryKey string, value []byte)) (StopFunc, error)

	// OnDisconnectRemove arranges for key (and its subtree) to be removed by
	// the store if this client's connection drops without an explicit Remove.
	OnDisconnectRemove(key string) error

	// Close tears down the connection. Registered disconnect removals fire,
	// matching the crash/tab-close semantics of the underlying store.
	Close() error
}
