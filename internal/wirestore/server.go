package wirestore

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rahmat-aldi/vicara/internal/monitoring"
	"github.com/rahmat-aldi/vicara/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	defaultReadLimit  = 1 << 20
	defaultPingPeriod = 30 * time.Second
	writeWait         = 5 * time.Second
)

// Gateway exposes a hub over websockets. Each accepted socket gets its own
// hub client, so a dropped socket fires that client's disconnect removals.
type Gateway struct {
	Hub        *store.Hub
	ReadLimit  int64
	PingPeriod time.Duration
	Metrics    *monitoring.Metrics
}

func NewGateway(hub *store.Hub) *Gateway {
	return &Gateway{Hub: hub}
}

type gatewayConn struct {
	ws   *websocket.Conn
	send chan serverFrame
	once sync.Once
	done chan struct{}
}

// push queues a frame for the write pump. A consumer that cannot keep up
// loses its connection rather than silently losing frames.
func (c *gatewayConn) push(f serverFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		log.Warn().Str("module", "wirestore").Msg("backpressure, dropping connection")
		c.close()
	}
}

func (c *gatewayConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Handle upgrades the request and runs the connection until the socket
// drops.
func (g *Gateway) Handle(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "wirestore").Err(err).Msg("upgrade failed")
		return
	}
	limit := g.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	conn := &gatewayConn{
		ws:   ws,
		send: make(chan serverFrame, 256),
		done: make(chan struct{}),
	}
	st := g.Hub.Client()
	g.Metrics.ClientConnected()
	log.Info().Str("module", "wirestore").Str("addr", ws.RemoteAddr().String()).Msg("client connected")

	go g.writePump(conn)
	g.readPump(conn, st)
	g.Metrics.ClientGone()
}

func (g *Gateway) writePump(c *gatewayConn) {
	period := g.PingPeriod
	if period <= 0 {
		period = defaultPingPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				log.Debug().Str("module", "wirestore").Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump serves requests until the socket drops, then closes the hub
// client so its disconnect removals fire.
func (g *Gateway) readPump(c *gatewayConn, st store.Store) {
	subs := make(map[uint64]store.StopFunc)
	defer func() {
		for _, stop := range subs {
			stop()
		}
		if err := st.Close(); err != nil {
			log.Debug().Str("module", "wirestore").Err(err).Msg("hub client close")
		}
		c.close()
		log.Info().Str("module", "wirestore").Str("addr", c.ws.RemoteAddr().String()).Msg("client gone")
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Str("module", "wirestore").Err(err).Msg("bad frame")
			continue
		}
		g.dispatch(c, st, subs, f)
	}
}

func (g *Gateway) dispatch(c *gatewayConn, st store.Store, subs map[uint64]store.StopFunc, f clientFrame) {
	g.Metrics.OpServed(f.Op)
	result := serverFrame{Event: evResult, ID: f.ID}
	fail := func(err error) {
		if err != nil {
			result.Err = err.Error()
		}
	}

	switch f.Op {
	case opWrite:
		fail(st.Write(f.Key, f.Value))
	case opWriteServerTS:
		// Stamped on this side of the socket, so client clocks never leak
		// into stored timestamps.
		fail(st.WriteServerTimestamp(f.Key))
	case opRemove:
		fail(st.Remove(f.Key))
	case opRead:
		v, ok, err := st.ReadOnce(f.Key)
		result.Value, result.Present = v, ok
		fail(err)
	case opReadTree:
		m, err := st.ReadTree(f.Key)
		result.Tree = m
		fail(err)
	case opAppend:
		entry, err := st.Append(f.Key, f.Value)
		result.Entry = entry
		fail(err)
	case opRemoveAppended:
		fail(st.RemoveAppended(f.Key, f.Entry))
	case opOnDisconnectRemove:
		fail(st.OnDisconnectRemove(f.Key))
	case opWatchValue:
		sub := f.Sub
		stop, err := st.WatchValue(f.Key, func(v []byte, present bool) {
			c.push(serverFrame{Event: evValue, Sub: sub, Value: v, Present: present})
		})
		if err == nil {
			subs[sub] = stop
		}
		fail(err)
	case opWatchTree:
		sub := f.Sub
		stop, err := st.WatchTree(f.Key, func(snapshot map[string][]byte) {
			c.push(serverFrame{Event: evTree, Sub: sub, Tree: snapshot})
		})
		if err == nil {
			subs[sub] = stop
		}
		fail(err)
	case opWatchAppends:
		sub := f.Sub
		stop, err := st.WatchAppends(f.Key, func(entryKey string, v []byte) {
			c.push(serverFrame{Event: evAppend, Sub: sub, Entry: entryKey, Value: v})
		})
		if err == nil {
			subs[sub] = stop
		}
		fail(err)
	case opUnwatch:
		if stop, ok := subs[f.Sub]; ok {
			stop()
			delete(subs, f.Sub)
		}
		return
	default:
		log.Warn().Str("module", "wirestore").Str("op", f.Op).Msg("unknown op")
		result.Err = "unknown op " + f.Op
	}

	c.push(result)
}
