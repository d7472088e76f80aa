package server

import (
	"encoding/json"
	"time"
)

// Envelope is the discrete application frame exchanged over the WebSocket:
// a type tag routing to a registered handler, and an opaque payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
	TS   int64           `json:"ts,omitempty"`
}

// Reserved envelope types handled by the gateway itself.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeHeartbeat   = "heartbeat"
)

// errorFrame builds the structured error sent to the offending session.
// retryAfter <= 0 omits the hint.
func errorFrame(code, message string, retryAfter time.Duration) []byte {
	payload := map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if retryAfter > 0 {
		payload["retry_after_ms"] = retryAfter.Milliseconds()
	}
	data, _ := json.Marshal(payload)
	return data
}

func ackFrame(frameType string, fields map[string]any) []byte {
	payload := map[string]any{"type": frameType}
	for k, v := range fields {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	return data
}
