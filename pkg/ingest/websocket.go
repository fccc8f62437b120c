package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/dailyagg/pkg/config"
	"github.com/nicktill/dailyagg/pkg/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// AggregateUpdate is the message pushed to WebSocket clients after a reading is recorded
type AggregateUpdate struct {
	Type      string               `json:"type"`
	Created   bool                 `json:"created"`
	Aggregate model.DailyAggregate `json:"aggregate"`
}

// subscriber is one connection and the devices it follows (nil = all)
type subscriber struct {
	conn    *websocket.Conn
	devices map[string]bool
}

func (s *subscriber) wants(deviceID string) bool {
	return s.devices == nil || deviceID == "" || s.devices[deviceID]
}

// outbound is a payload addressed to the subscribers of one device, or all when deviceID is empty
type outbound struct {
	deviceID string
	payload  []byte
}

// AggregateHub fans bucket updates out to WebSocket subscribers
type AggregateHub struct {
	clients    map[*websocket.Conn]*subscriber
	register   chan *subscriber
	unregister chan *websocket.Conn
	broadcast  chan outbound

	// done is closed once the hub stops serving
	done     chan struct{}
	stopOnce sync.Once

	mu sync.RWMutex
}

// NewAggregateHub creates a new WebSocket hub
func NewAggregateHub() *AggregateHub {
	return &AggregateHub{
		clients:    make(map[*websocket.Conn]*subscriber),
		register:   make(chan *subscriber, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan outbound, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Done is closed after Run returns
func (h *AggregateHub) Done() <-chan struct{} {
	return h.done
}

// stop closes every connection and releases handlers waiting on the hub
func (h *AggregateHub) stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.clients = make(map[*websocket.Conn]*subscriber)
		h.mu.Unlock()
		close(h.done)
	})
}

// Run serves registrations and broadcasts until ctx is done, then closes every connection
func (h *AggregateHub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (following %s, total: %d)", describe(sub.devices), count)

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			for _, conn := range h.deliver(msg) {
				h.remove(conn)
			}
		}
	}
}

// deliver writes msg to every interested subscriber and returns the ones that failed
func (h *AggregateHub) deliver(msg outbound) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, sub := range h.clients {
		if !sub.wants(msg.deviceID) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
			log.Printf("WebSocket write error: %v", err)
			failed = append(failed, conn)
		}
	}
	return failed
}

func (h *AggregateHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		conn.Close()
		log.Printf("WebSocket client disconnected (total: %d)", count)
	}
}

// AggregateRecorded implements aggregate.Observer
func (h *AggregateHub) AggregateRecorded(agg model.DailyAggregate, created bool) {
	if !h.HasClients() {
		return
	}
	update := AggregateUpdate{Type: "aggregate_update", Created: created, Aggregate: agg}
	if err := h.send(agg.DeviceID, update); err != nil {
		log.Printf("Failed to broadcast aggregate update: %v", err)
	}
}

// Broadcast sends a message to all connected clients
func (h *AggregateHub) Broadcast(data any) error {
	return h.send("", data)
}

// send queues data for the subscribers of deviceID.
// Drops the message when the broadcast buffer is full.
func (h *AggregateHub) send(deviceID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- outbound{deviceID: deviceID, payload: payload}:
	default:
		log.Printf("Broadcast channel full, dropping message")
	}
	return nil
}

// HasClients returns true if there are any connected WebSocket clients
func (h *AggregateHub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients
func (h *AggregateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func describe(devices map[string]bool) string {
	if devices == nil {
		return "all devices"
	}
	return fmt.Sprintf("%d devices", len(devices))
}

// HandleWebSocket upgrades the request and streams aggregate updates until the client leaves.
// ?device_id=a,b limits the stream to those devices.
func (h *Handler) HandleWebSocket(hub *AggregateHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var devices map[string]bool
		if ids := ParseDeviceIDs(r.URL.Query()["device_id"]); len(ids) > 0 {
			if len(ids) > MaxQueryDevices {
				h.fail(w, ErrTooManyDevices)
				return
			}
			devices = make(map[string]bool, len(ids))
			for _, id := range ids {
				devices[id] = true
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		select {
		case <-hub.done:
			conn.Close()
			return
		default:
		}
		select {
		case hub.register <- &subscriber{conn: conn, devices: devices}:
		case <-hub.done:
			conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Keepalive pings
		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					// WriteControl may run concurrently with the hub's writes
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
						return
					}
				}
			}
		}()

		defer func() {
			cancel()
			select {
			case hub.unregister <- conn:
			case <-hub.done:
				conn.Close()
			}
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Clients never send data; reading drives control frames and close detection
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				}
				break
			}
		}
	}
}
