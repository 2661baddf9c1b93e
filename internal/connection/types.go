package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no message)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// State is the reader's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateStreaming    State = "streaming"
)

// TimestampedMessage wraps raw message data with a receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// subscribeRequest is the Kraken v2 trade-channel subscription.
type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

// envelope is the common shape of Kraken v2 messages. Channel is set on
// data/heartbeat/status frames, Method on command acknowledgements.
type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// tradeData is one trade in a v2 trade message's data array.
type tradeData struct {
	Symbol    string      `json:"symbol"`
	Price     json.Number `json:"price"`
	Qty       json.Number `json:"qty"`
	Side      string      `json:"side"`
	OrdType   string      `json:"ord_type"`
	TradeID   int64       `json:"trade_id"`
	Timestamp string      `json:"timestamp"` // RFC 3339
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., wss://ws.kraken.com/v2)
	PingTimeout  time.Duration // Max time without any inbound message before the connection is stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:          "wss://ws.kraken.com/v2",
		PingTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   10000,
	}
}

// ReaderConfig configures the live feed reader.
type ReaderConfig struct {
	URL           string        // WebSocket URL
	Pairs         []string      // Pairs to subscribe (one multiplexed connection)
	PingTimeout   time.Duration // Staleness threshold
	WriteTimeout  time.Duration // Write deadline
	BufferSize    int           // Per-connection message buffer
	ReconnectBase time.Duration // Reconnect backoff base delay
	ReconnectMax  time.Duration // Reconnect backoff cap
}

// ReaderStats counts reader activity.
type ReaderStats struct {
	TradesEmitted int64
	Reconnects    int64
	ParseErrors   int64
	Heartbeats    int64
}
