package station

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ceremonia/checkin/internal/checkin"
	"github.com/ceremonia/checkin/internal/logging"
	syncpkg "github.com/ceremonia/checkin/internal/sync"
)

// Event types pushed to operator screens.
const (
	EventCheckInAdmitted     = "checkin.admitted"
	EventCheckInDuplicate    = "checkin.duplicate"
	EventCheckInQueued       = "checkin.queued"
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventConnectivityChanged = "connectivity.changed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHostOrLocal,
}

// sameHostOrLocal accepts requests without an Origin, from the station's
// own host, or from localhost.
func sameHostOrLocal(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte // hub events; closed by the hub
	direct chan []byte // replies to client actions; never closed
	hub    *Hub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. A client without
// subscriptions receives everything.
func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub fans station events out to connected websocket clients. It is a
// checkin.Listener and a sync.EventHandler.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	nextID     atomic.Uint64
	count      atomic.Int32
	logger     *logging.Logger
}

var (
	_ checkin.Listener     = (*Hub)(nil)
	_ syncpkg.EventHandler = (*Hub)(nil)
)

// NewHub creates a hub and starts its loop.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Get()
	}
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c.id] = c
			h.count.Store(int32(len(h.clients)))
			h.logger.Debug("Websocket client connected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.count.Store(int32(len(h.clients)))
			h.logger.Debug("Websocket client disconnected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case m := <-h.broadcast:
			for id, c := range h.clients {
				if !c.wants(m.eventType) {
					continue
				}
				select {
				case c.send <- m.payload:
				default:
					// Slow client.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.count.Store(int32(len(h.clients)))

		case <-h.done:
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.count.Store(0)
			return
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Broadcast sends an event to every subscribed client. It drops the event
// when the hub is closed or its buffer is full.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal websocket event", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	default:
		h.logger.Warn("Websocket broadcast buffer full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// CheckInRecorded broadcasts a recorder outcome.
func (h *Hub) CheckInRecorded(o *checkin.Outcome) {
	var eventType string
	switch o.Status {
	case checkin.StatusAdmitted:
		eventType = EventCheckInAdmitted
	case checkin.StatusDuplicate:
		eventType = EventCheckInDuplicate
	case checkin.StatusQueued:
		eventType = EventCheckInQueued
	default:
		return
	}

	data := map[string]interface{}{
		"status":  string(o.Status),
		"message": o.Message,
		"invitee": o.Invitee,
		"record":  o.Record,
	}
	if o.Warning != "" {
		data["warning"] = o.Warning
	}
	h.Broadcast(eventType, data)
}

// SyncStarted broadcasts the start of a sync pass over total records.
func (h *Hub) SyncStarted(total int) {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"status": "started",
		"total":  total,
	})
}

// SyncCompleted broadcasts the result of a sync pass.
func (h *Hub) SyncCompleted(result *syncpkg.SyncResult) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"status":     "completed",
		"attempted":  result.Attempted,
		"synced":     result.Synced,
		"duplicates": result.Duplicates,
		"failed":     result.Failed,
		"remaining":  result.Remaining(),
		"stuck":      result.Stuck,
		"canceled":   result.Canceled,
		"duration":   result.Duration.Milliseconds(),
	})
}

// ConnectivityChanged broadcasts a connectivity transition.
func (h *Hub) ConnectivityChanged(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{
		"online": online,
	})
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		id:            time.Now().Format("20060102150405") + "-" + r.RemoteAddr + "-" + strconv.FormatUint(h.nextID.Add(1), 10),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		direct:        make(chan []byte, 16),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Websocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a direct answer to the client without blocking the read loop.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	select {
	case c.direct <- payload:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case payload := <-c.direct:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

