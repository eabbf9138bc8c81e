package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	clientQueue    = 64
	backlogEvents  = 20
	hubSubscriber  = "progress-hub"
	messageEvent   = "event"
	messageBacklog = "backlog"
)

// WebSocketMessage represents a message sent to progress clients
type WebSocketMessage struct {
	Type      string       `json:"type"`
	Event     events.Event `json:"event"`
	Timestamp int64        `json:"timestamp"`
}

// ProgressHub fans bus events out to websocket clients
type ProgressHub struct {
	logger   hclog.Logger
	source   EventSource
	upgrader websocket.Upgrader

	subscriptionID string

	mu      sync.RWMutex
	clients map[string]*progressClient
	closed  bool
}

type progressClient struct {
	id     string
	conn   *websocket.Conn
	filter events.EventFilter
	send   chan []byte
	once   sync.Once
}

func (c *progressClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewProgressHub creates a hub subscribed to source. A nil source gives a hub
// that only accepts connections.
func NewProgressHub(logger hclog.Logger, source EventSource) (*ProgressHub, error) {
	h := &ProgressHub{
		logger: logger,
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*progressClient),
	}

	if source != nil {
		sub, err := source.Subscribe(hubSubscriber, events.EventFilter{}, h.broadcast)
		if err != nil {
			return nil, err
		}
		h.subscriptionID = sub.ID
	}
	return h, nil
}

// HandleWebSocket upgrades the request and streams events until the client
// goes away. The optional job_id query parameter narrows the stream.
func (h *ProgressHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &progressClient{
		id:   utils.GenerateShortUUID(),
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	if jobID := c.Query("job_id"); jobID != "" {
		client.filter.JobIDs = []string{jobID}
	}

	if !h.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.sendBacklog(client)

	go h.writePump(client)
	h.readPump(client)
}

// Clients returns the number of connected clients
func (h *ProgressHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client
func (h *ProgressHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*progressClient)
	h.mu.Unlock()

	if h.source != nil && h.subscriptionID != "" {
		h.source.Unsubscribe(h.subscriptionID)
	}
	for _, client := range clients {
		client.close()
	}
}

func (h *ProgressHub) register(client *progressClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client.id] = client
	h.logger.Debug("progress client connected", "client_id", client.id)
	return true
}

func (h *ProgressHub) unregister(client *progressClient) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		h.logger.Debug("progress client disconnected", "client_id", client.id)
	}
	h.mu.Unlock()
	client.close()
}

func (h *ProgressHub) sendBacklog(client *progressClient) {
	if h.source == nil {
		return
	}
	filter := client.filter
	filter.Types = []events.EventType{events.EventJobState, events.EventJobProgress, events.EventJobSkipped}
	for _, event := range h.source.Recent(filter, backlogEvents) {
		if data, ok := encode(messageBacklog, event); ok {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// broadcast is the bus handler. Clients whose queue is full are dropped.
func (h *ProgressHub) broadcast(event events.Event) error {
	data, ok := encode(messageEvent, event)
	if !ok {
		return nil
	}

	h.mu.RLock()
	var slow []*progressClient
	for _, client := range h.clients {
		if !events.MatchesFilter(event, client.filter) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow progress client", "client_id", client.id)
		h.unregister(client)
	}
	return nil
}

func (h *ProgressHub) writePump(client *progressClient) {
	defer client.conn.Close()
	for data := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(client)
			return
		}
	}
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump discards client messages and unregisters on disconnect
func (h *ProgressHub) readPump(client *progressClient) {
	defer h.unregister(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func encode(kind string, event events.Event) ([]byte, bool) {
	data, err := json.Marshal(WebSocketMessage{
		Type:      kind,
		Event:     event,
		Timestamp: time.Now().Unix(),
	})
	return data, err == nil
}
