package bus

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/helix/internal/logging"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize caps frames read from clients.
	MaxMessageSize = 512

	// DefaultReplayCount is how many history events a new client receives.
	DefaultReplayCount = 100
)

// Observer streams bus events to websocket clients. It is an http.Handler
// so the control server can mount it on its own router.
type Observer struct {
	bus      *Bus
	upgrader websocket.Upgrader
	subID    SubscriptionID

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	wg  sync.WaitGroup
	log zerolog.Logger
}

type client struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[EventType]bool
	once  sync.Once
}

func (c *client) wants(t EventType) bool {
	return len(c.types) == 0 || c.types[t]
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewObserver attaches an observer to b. Call Close to detach it.
func NewObserver(b *Bus) *Observer {
	o := &Observer{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control server binds to localhost and checks the password
			// before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		log:     logging.Component("bus.observer"),
	}
	o.subID = b.Subscribe("", o.broadcast)
	return o
}

// ClientCount returns the number of connected websocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// ServeHTTP upgrades the connection. Query parameters: replay=false skips
// history, count=N sizes the replay, types=a,b filters event types.
func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	replay := q.Get("replay") != "false"
	count := DefaultReplayCount
	if n, err := strconv.Atoi(q.Get("count")); err == nil && n >= 0 {
		count = n
	}
	var types map[EventType]bool
	if raw := q.Get("types"); raw != "" {
		types = make(map[EventType]bool)
		for _, t := range strings.Split(raw, ",") {
			types[EventType(strings.TrimSpace(t))] = true
		}
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256), types: types}
	if replay && count > 0 {
		for _, event := range o.bus.History(count) {
			if !c.wants(event.Type) {
				continue
			}
			if data, err := json.Marshal(event); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}

	o.clientsMu.Lock()
	o.clients[c] = struct{}{}
	total := len(o.clients)
	o.clientsMu.Unlock()
	o.log.Debug().Int("clients", total).Msg("websocket client connected")

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) remove(c *client) {
	o.clientsMu.Lock()
	if _, ok := o.clients[c]; ok {
		delete(o.clients, c)
		c.close()
	}
	o.clientsMu.Unlock()
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				o.remove(c)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.remove(c)
				return
			}
		}
	}
}

// readPump only services control frames; clients never send data.
func (o *Observer) readPump(c *client) {
	defer o.wg.Done()
	defer o.remove(c)

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}

func (o *Observer) broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Warn().Err(err).Str("type", string(event.Type)).Msg("marshal event")
		return
	}

	o.clientsMu.RLock()
	var slow []*client
	for c := range o.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	o.clientsMu.RUnlock()

	for _, c := range slow {
		o.log.Warn().Msg("websocket client too slow, disconnecting")
		o.remove(c)
	}
}

// Close disconnects every client and detaches from the bus.
func (o *Observer) Close() {
	_ = o.bus.Unsubscribe(o.subID)

	o.clientsMu.Lock()
	for c := range o.clients {
		delete(o.clients, c)
		c.close()
		c.conn.Close()
	}
	o.clientsMu.Unlock()

	o.wg.Wait()
}
