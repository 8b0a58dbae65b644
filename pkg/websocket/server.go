// Package websocket streams engine events to subscribed clients
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
)

// Channel prefixes clients subscribe to
const (
	TradesChannel    = "trades:"
	OrderBookChannel = "orderbook:"
	PoolChannel      = "pool:"
	OrdersChannel    = "orders:"
)

// ErrBacklog is returned by Publish when the broadcast queue is full
var ErrBacklog = errors.New("websocket broadcast queue full")

// SnapshotSource provides the state sent when a client subscribes
type SnapshotSource interface {
	GetOrderBook(symbol string, depth int) (lx.OrderBookSnapshot, error)
	GetPoolInfo(id string) (lx.PoolInfo, error)
}

// Server fans engine events out to WebSocket clients. It implements
// lx.EventPublisher.
type Server struct {
	source SnapshotSource
	logger log.Logger
	config Config

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	upgrader websocket.Upgrader
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest represents a subscription request
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SnapshotDepth   int
	QueueSize       int
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024, // 512KB
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		SnapshotDepth:   20,
		QueueSize:       1000,
	}
}

// NewServer creates a new WebSocket server
func NewServer(source SnapshotSource, logger log.Logger, config Config) *Server {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.SnapshotDepth <= 0 {
		config.SnapshotDepth = defaults.SnapshotDepth
	}
	if config.PingPeriod <= 0 || config.PongTimeout <= config.PingPeriod {
		config.PingPeriod, config.PongTimeout = defaults.PingPeriod, defaults.PongTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	return &Server{
		source:        source,
		logger:        logger,
		config:        config,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, config.QueueSize),
		subscriptions: make(map[string]map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP handler serving /ws and /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe runs the hub and an HTTP server on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	go s.Run(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("WebSocket server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Run manages client connections and message routing until ctx is done
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				s.dropLocked(client)
			}
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			s.clientCount.Add(1)
			s.clientsMu.Unlock()
			s.logger.Debug("Client connected", "id", client.id, "total", s.clientCount.Load())

		case client := <-s.unregister:
			s.clientsMu.Lock()
			s.dropLocked(client)
			s.clientsMu.Unlock()
			s.logger.Debug("Client disconnected", "id", client.id, "total", s.clientCount.Load())

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", s.clientCount.Load(),
				"messages", s.messagesOut.Load(),
				"dropped", s.dropped.Load())
		}
	}
}

// dropLocked removes a client and closes its send queue. clientsMu must be held.
func (s *Server) dropLocked(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	s.clientCount.Add(-1)
	s.unsubscribeAll(client)
	client.close()
}

// Publish routes an engine event to its channels
func (s *Server) Publish(_ context.Context, ev lx.Event) error {
	var msgs []Message
	ts := ev.Timestamp.UnixMilli()
	switch {
	case ev.Trade != nil:
		msgs = append(msgs, Message{Type: string(ev.Type), Channel: TradesChannel + ev.Resource(), Data: ev.Trade, Timestamp: ts, Sequence: ev.Sequence})
		if ev.Trade.Symbol != "" {
			msgs = append(msgs, s.bookUpdate(ev.Trade.Symbol, ev.Sequence)...)
		}
	case ev.Order != nil:
		msgs = append(msgs, Message{Type: string(ev.Type), Channel: OrdersChannel + ev.Order.Owner, Data: ev.Order, Timestamp: ts, Sequence: ev.Sequence})
		msgs = append(msgs, s.bookUpdate(ev.Order.Symbol, ev.Sequence)...)
	case ev.Pool != nil:
		msgs = append(msgs, Message{Type: string(ev.Type), Channel: PoolChannel + ev.Pool.ID, Data: ev.Pool, Timestamp: ts, Sequence: ev.Sequence})
	}

	for _, msg := range msgs {
		select {
		case s.broadcast <- msg:
		default:
			s.dropped.Add(1)
			return ErrBacklog
		}
	}
	return nil
}

// bookUpdate renders the current book for subscribers of its channel
func (s *Server) bookUpdate(symbol string, seq uint64) []Message {
	channel := OrderBookChannel + symbol
	if !s.hasSubscribers(channel) || s.source == nil {
		return nil
	}
	book, err := s.source.GetOrderBook(symbol, s.config.SnapshotDepth)
	if err != nil {
		return nil
	}
	return []Message{{Type: "orderbook", Channel: channel, Data: book, Timestamp: book.Timestamp.UnixMilli(), Sequence: seq}}
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.New().String(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
	}

	s.register <- client

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.server.messagesOut.Add(1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw []byte) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().UnixMilli()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func validChannel(channel string) bool {
	for _, prefix := range []string{TradesChannel, OrderBookChannel, PoolChannel, OrdersChannel} {
		if strings.HasPrefix(channel, prefix) && len(channel) > len(prefix) {
			return true
		}
	}
	return false
}

// handleSubscribe handles subscription requests
func (c *Client) handleSubscribe(channels []string) {
	accepted := make([]string, 0, len(channels))
	for _, channel := range channels {
		if !validChannel(channel) {
			c.sendError(fmt.Sprintf("Unknown channel: %s", channel))
			continue
		}

		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()
		c.server.subscribe(channel, c)
		accepted = append(accepted, channel)

		c.sendSnapshot(channel)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": accepted},
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleUnsubscribe handles unsubscription requests
func (c *Client) handleUnsubscribe(channels []string) {
	for _, channel := range channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().UnixMilli(),
	})
}

// sendSnapshot sends current state for book and pool channels
func (c *Client) sendSnapshot(channel string) {
	source := c.server.source
	if source == nil {
		return
	}
	switch {
	case strings.HasPrefix(channel, OrderBookChannel):
		book, err := source.GetOrderBook(strings.TrimPrefix(channel, OrderBookChannel), c.server.config.SnapshotDepth)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendMessage(Message{Type: "snapshot", Channel: channel, Data: book, Timestamp: book.Timestamp.UnixMilli(), Sequence: book.Sequence})
	case strings.HasPrefix(channel, PoolChannel):
		info, err := source.GetPoolInfo(strings.TrimPrefix(channel, PoolChannel))
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendMessage(Message{Type: "snapshot", Channel: channel, Data: info, Timestamp: time.Now().UnixMilli()})
	}
}

// sendMessage queues a message; it is dropped when the client is slow
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		c.server.dropped.Add(1)
	}
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendError sends an error message to the client
func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().UnixMilli(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

func (s *Server) hasSubscribers(channel string) bool {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscriptions[channel]) > 0
}

// broadcastMessage sends a message to all subscribed clients. Clients whose
// queue is full are disconnected.
func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	clients := make([]*Client, 0, len(s.subscriptions[msg.Channel]))
	for client := range s.subscriptions[msg.Channel] {
		clients = append(clients, client)
	}
	s.subMu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for _, client := range clients {
		if client.enqueue(data) {
			continue
		}
		s.logger.Warn("Dropping slow client", "id", client.id, "channel", msg.Channel)
		s.clientsMu.Lock()
		s.dropLocked(client)
		s.clientsMu.Unlock()
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"status":        "healthy",
		"clients":       s.clientCount.Load(),
		"messages_sent": s.messagesOut.Load(),
		"dropped":       s.dropped.Load(),
		"channels":      numChannels,
	}
}
