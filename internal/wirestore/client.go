package wirestore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/store"
)

const callTimeout = 10 * time.Second

// Client is a store.Store backed by a gateway socket. Subscription events
// are handed off to a dedicated dispatch goroutine in arrival order, so a
// callback may issue store calls without starving the read loop.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan serverFrame
	subs    map[uint64]func(serverFrame)
	queue   []serverFrame
	cond    *sync.Cond
	closed  bool

	once sync.Once
	done chan struct{}
}

var _ store.Store = (*Client)(nil)

// Dial connects to a gateway. url is a ws:// or wss:// endpoint.
func Dial(url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wirestore: dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan serverFrame),
		subs:    make(map[uint64]func(serverFrame)),
		done:    make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

// dispatchLoop drains queued subscription events in arrival order.
func (c *Client) dispatchLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		fn := c.subs[f.Sub]
		c.mu.Unlock()
		if fn != nil {
			fn(f)
		}
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var f serverFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Event {
		case evResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case evValue, evTree, evAppend:
			c.mu.Lock()
			c.queue = append(c.queue, f)
			c.cond.Signal()
			c.mu.Unlock()
		default:
			log.Warn().Str("module", "wirestore").Str("event", f.Event).Msg("unknown event")
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.subs = make(map[uint64]func(serverFrame))
		c.cond.Signal()
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// call sends one request and waits for its result.
func (c *Client) call(f clientFrame) (serverFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return serverFrame{}, store.ErrClosed
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan serverFrame, 1)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return serverFrame{}, fmt.Errorf("wirestore: %s: %w", f.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return serverFrame{}, store.ErrClosed
		}
		if resp.Err != "" {
			return serverFrame{}, errors.New(resp.Err)
		}
		return resp, nil
	case <-c.done:
		return serverFrame{}, store.ErrClosed
	case <-time.After(callTimeout):
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return serverFrame{}, fmt.Errorf("wirestore: %s timed out", f.Op)
	}
}

func (c *Client) ReadOnce(key string) ([]byte, bool, error) {
	resp, err := c.call(clientFrame{Op: opRead, Key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Present, nil
}

func (c *Client) Write(key string, value []byte) error {
	_, err := c.call(clientFrame{Op: opWrite, Key: key, Value: value})
	return err
}

func (c *Client) WriteServerTimestamp(key string) error {
	_, err := c.call(clientFrame{Op: opWriteServerTS, Key: key})
	return err
}

func (c *Client) Remove(key string) error {
	_, err := c.call(clientFrame{Op: opRemove, Key: key})
	return err
}

func (c *Client) ReadTree(prefix string) (map[string][]byte, error) {
	resp, err := c.call(clientFrame{Op: opReadTree, Key: prefix})
	if err != nil {
		return nil, err
	}
	if resp.Tree == nil {
		return map[string][]byte{}, nil
	}
	return resp.Tree, nil
}

func (c *Client) Append(channel string, value []byte) (string, error) {
	resp, err := c.call(clientFrame{Op: opAppend, Key: channel, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Entry, nil
}

func (c *Client) RemoveAppended(channel, entryKey string) error {
	_, err := c.call(clientFrame{Op: opRemoveAppended, Key: channel, Entry: entryKey})
	return err
}

func (c *Client) OnDisconnectRemove(key string) error {
	_, err := c.call(clientFrame{Op: opOnDisconnectRemove, Key: key})
	return err
}

// watch registers the callback before the request goes out, so the initial
// event cannot race past an empty registration.
func (c *Client) watch(op, key string, fn func(serverFrame)) (store.StopFunc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrClosed
	}
	c.nextSub++
	sub := c.nextSub
	c.subs[sub] = fn
	c.mu.Unlock()

	if _, err := c.call(clientFrame{Op: op, Sub: sub, Key: key}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		return nil, err
	}

	stop := func() {
		c.mu.Lock()
		_, live := c.subs[sub]
		delete(c.subs, sub)
		closed := c.closed
		c.mu.Unlock()
		if !live || closed {
			return
		}
		c.writeMu.Lock()
		_ = c.ws.WriteJSON(clientFrame{Op: opUnwatch, Sub: sub})
		c.writeMu.Unlock()
	}
	return stop, nil
}

func (c *Client) WatchValue(key string, fn func(value []byte, present bool)) (store.StopFunc, error) {
	return c.watch(opWatchValue, key, func(f serverFrame) {
		fn(f.Value, f.Present)
	})
}

func (c *Client) WatchTree(prefix string, fn func(snapshot map[string][]byte)) (store.StopFunc, error) {
	return c.watch(opWatchTree, prefix, func(f serverFrame) {
		snapshot := f.Tree
		if snapshot == nil {
			snapshot = map[string][]byte{}
		}
		fn(snapshot)
	})
}

func (c *Client) WatchAppends(channel string, fn func(entryKey string, value []byte)) (store.StopFunc, error) {
	return c.watch(opWatchAppends, channel, func(f serverFrame) {
		fn(f.Entry, f.Value)
	})
}

// Close drops the socket. The gateway closes its hub client in response,
// firing this connection's disconnect removals.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}
