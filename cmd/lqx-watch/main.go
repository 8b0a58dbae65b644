package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type Message struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "WebSocket URL")
		channels = flag.String("channels", "trades:BTC-USD,orderbook:BTC-USD", "Comma-separated channels (trades:, orderbook:, pool:, orders:)")
		timeout  = flag.Duration("timeout", time.Minute, "How long to stream before exiting")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	
	logger.Info("Connecting to lqxd WebSocket", "url", *wsURL)

	// Parse URL
	u, err := url.Parse(*wsURL)
	if err != nil {
		logger.Error("Invalid URL", "error", err)
		os.Exit(1)
	}

	// Connect to WebSocket
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logger.Error("Failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("Connected to WebSocket")

	// Send subscription message
	sub := SubscribeRequest{
		Type:     "subscribe",
		Channels: strings.Split(*channels, ","),
	}

	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("Failed to send subscription", "error", err)
		return
	}

	logger.Info("Subscription sent", "channels", sub.Channels)

	// Setup signal handler
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// Read messages
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				logger.Warn("Read error", "error", err)
				return
			}

			if messageType == websocket.TextMessage {
				var msg Message
				if err := json.Unmarshal(message, &msg); err != nil {
					logger.Info("Raw message", "data", string(message))
				} else {
					logger.Info("Message received", "type", msg.Type, "channel", msg.Channel, "seq", msg.Sequence, "data", string(msg.Data))
				}
			}
		}
	}()

	// Wait for interrupt or timeout
	select {
	case <-done:
		logger.Info("Connection closed")
	case <-interrupt:
		logger.Info("Interrupt received, closing connection")
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil {
			logger.Warn("Failed to send close message", "error", err)
		}
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	case <-time.After(*timeout):
		logger.Info("Timeout reached")
	}

	logger.Info("WebSocket client terminated")
}