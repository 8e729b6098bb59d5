package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/store"
)

const channelRoot = "signals"

// ChannelKey returns the store path of a room's signal channel.
func ChannelKey(roomCode string) string {
	return channelRoot + "/" + roomCode
}

// Channel posts to and subscribes from per-room signal logs.
//
// The channel itself is a broadcast medium; the protocol is point-to-point,
// so Subscribe filters on behalf of the consumer: self-sent messages and
// directed messages addressed elsewhere are never delivered.
type Channel struct {
	st  store.Store
	now func() time.Time

	mu     sync.Mutex
	lastTS int64
}

func NewChannel(st store.Store) *Channel {
	return &Channel{st: st, now: time.Now}
}

// stamp assigns a monotonically non-decreasing enqueue time. Diagnostic
// only; append order stays authoritative.
func (c *Channel) stamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts < c.lastTS {
		ts = c.lastTS
	}
	c.lastTS = ts
	return ts
}

// Post appends a message to the room's channel and returns its entry key.
// Entry keys sort in append order, which is the channel's authoritative
// ordering.
func (c *Channel) Post(roomCode string, m Message) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	m.SentAt = c.stamp()
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	key, err := c.st.Append(ChannelKey(roomCode), b)
	if err != nil {
		return "", err
	}
	log.Debug().Str("module", "signal.channel").Str("room", roomCode).
		Str("type", string(m.Type)).Str("to", m.To).Msg("posted")
	return key, nil
}

// Subscribe delivers the room's messages in append order, backlog included,
// to fn. Messages from self and directed messages not addressed to self are
// dropped before fn sees them. Malformed entries are logged and skipped.
func (c *Channel) Subscribe(roomCode, self string, fn func(Message)) (store.StopFunc, error) {
	return c.st.WatchAppends(ChannelKey(roomCode), func(entryKey string, value []byte) {
		m, err := Parse(value)
		if err != nil {
			log.Warn().Str("module", "signal.channel").Str("room", roomCode).Err(err).Msg("dropping bad entry")
			return
		}
		if m.From == self {
			return
		}
		if m.Directed() && m.To != self {
			return
		}
		m.Key = entryKey
		fn(m)
	})
}

// Remove garbage-collects a processed message. Best effort; consumers
// de-duplicate, so a failed removal costs storage, not correctness.
func (c *Channel) Remove(roomCode, entryKey string) error {
	return c.st.RemoveAppended(ChannelKey(roomCode), entryKey)
}
