// Package keywatch is the read-only companion to a key log file: it
// tails the file as handshakes append to it, parses each record, and
// streams them to websocket subscribers. Nothing in this package ever
// writes to the key log.
package keywatch

import (
	"encoding/json"
	"time"
)

// Message types sent to subscribers.
const (
	MsgTypeHello  = "hello"
	MsgTypeRecord = "record"
)

// Message is the envelope every subscriber receives.
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Record is one parsed key log line. Both fields are lowercase hex,
// exactly as they appear on disk.
type Record struct {
	Label        string `json:"label"`
	ClientRandom string `json:"client_random"`
	Secret       string `json:"secret"`
}

// HelloData greets a new subscriber with the stream position.
type HelloData struct {
	File    string `json:"file"`
	Records uint64 `json:"records"`
}

// newMessage wraps data in the subscriber envelope.
func newMessage(msgType string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().Unix(),
	}, nil
}
