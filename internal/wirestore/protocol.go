// Package wirestore serves the store over websockets and dials it back as a
// store.Store, so participants on different processes share one hub. One
// socket is one store connection: when it drops, the hub fires that client's
// disconnect removals.
package wirestore

// Frame ops a client may send. Every op except unwatch carries a request id
// and is answered by a result event.
const (
	opWrite              = "write"
	opWriteServerTS      = "write_server_ts"
	opRemove             = "remove"
	opRead               = "read"
	opReadTree           = "read_tree"
	opAppend             = "append"
	opRemoveAppended     = "remove_appended"
	opWatchValue         = "watch_value"
	opWatchTree          = "watch_tree"
	opWatchAppends       = "watch_appends"
	opUnwatch            = "unwatch"
	opOnDisconnectRemove = "on_disconnect_remove"
)

// Events the server pushes.
const (
	evResult = "result"
	evValue  = "value"
	evTree   = "tree"
	evAppend = "append"
)

// clientFrame is one request. Sub is a client-chosen subscription id for the
// watch ops and unwatch; Entry addresses a single channel entry.
type clientFrame struct {
	Op    string `json:"op"`
	ID    uint64 `json:"id,omitempty"`
	Sub   uint64 `json:"sub,omitempty"`
	Key   string `json:"key,omitempty"`
	Entry string `json:"entry,omitempty"`
	Value []byte `json:"value,omitempty"`
}

// serverFrame is one push. For results ID echoes the request; for
// subscription events Sub names the watch. Entry doubles as the generated
// key in an append result and the entry key on append events.
type serverFrame struct {
	Event   string            `json:"event"`
	ID      uint64            `json:"id,omitempty"`
	Sub     uint64            `json:"sub,omitempty"`
	Key     string            `json:"key,omitempty"`
	Entry   string            `json:"entry,omitempty"`
	Present bool              `json:"present,omitempty"`
	Value   []byte            `json:"value,omitempty"`
	Tree    map[string][]byte `json:"tree,omitempty"`
	Err     string            `json:"error,omitempty"`
}
