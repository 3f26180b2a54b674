package p2p

import (
	"encoding/json"

	"enygma/internal/ledger"
)

// Message types carried by Envelope.
const (
	TypeRelay = "relay_message"
	TypePing  = "ping"
)

// Envelope is the generic wrapper for anything sent between nodes.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Sender  ledger.ChainID  `json:"sender"`
}

// PingPayload is the body of a TypePing message.
type PingPayload struct {
	Content string `json:"content"`
}

// HealthStatus is what a node reports on its health endpoint.
type HealthStatus struct {
	Chain  ledger.ChainID `json:"chain"`
	Status string         `json:"status"`
}
