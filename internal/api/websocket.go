package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// MessageType tags WebSocket frames.
type MessageType string

const (
	MsgTypeOrderUpdate    MessageType = "order_update"
	MsgTypePositionUpdate MessageType = "position_update"
	MsgTypeSignalUpdate   MessageType = "signal_update"
	MsgTypeExitAlert      MessageType = "exit_alert"
	MsgTypeRiskAlert      MessageType = "risk_alert"
	MsgTypeHeartbeat      MessageType = "heartbeat"

	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// WSMessage is one WebSocket frame.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// wsClient is one connected consumer.
type wsClient struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.Mutex
}

// Hub fans engine events out to WebSocket consumers. Slow consumers drop
// frames rather than backing up the engine.
type Hub struct {
	logger     *zap.Logger
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	channels   map[string]map[*wsClient]bool
}

// NewHub creates the event hub; call Run in a goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws-hub"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		channels:   make(map[string]map[*wsClient]bool),
	}
}

// Run processes client churn and heartbeats until done closes.
func (h *Hub) Run(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.drop(c)
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for channel := range c.subscriptions {
		if members, ok := h.channels[channel]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *Hub) heartbeat() {
	frame, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
		}
	}
}

func (h *Hub) subscribe(c *wsClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*wsClient]bool)
	}
	h.channels[channel][c] = true
	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *wsClient, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Publish sends an event to one channel's subscribers.
func (h *Hub) Publish(channel string, msgType MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshalling event", zap.Error(err))
		return
	}
	frame, err := json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// PublishOrder fans an order update to the orders channel and its
// per-underlying channel.
func (h *Hub) PublishOrder(order *types.Order) {
	h.Publish("orders", MsgTypeOrderUpdate, order)
	h.Publish("orders:"+order.Underlying, MsgTypeOrderUpdate, order)
}

// PublishPosition fans a position update.
func (h *Hub) PublishPosition(pos *types.Position) {
	h.Publish("positions", MsgTypePositionUpdate, pos)
	h.Publish("positions:"+pos.Underlying, MsgTypePositionUpdate, pos)
}

// PublishSignal fans a signal lifecycle update.
func (h *Hub) PublishSignal(sig *types.Signal) {
	h.Publish("signals", MsgTypeSignalUpdate, sig)
}

// ClientCount reports connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newWSClient(id string, hub *Hub, conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 64),
		subscriptions: make(map[string]bool),
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel == "" {
			continue
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.unsubscribe(c, msg.Channel)
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(45 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
