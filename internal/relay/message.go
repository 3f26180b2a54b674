// message.go - Relay message envelope and its content-derived identifier.

package relay

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"enygma/internal/ledger"
)

// BroadcastChain as a destination means every participant except the origin.
const BroadcastChain ledger.ChainID = 0

// Kind tells the receiving handler how to read Payload.
type Kind uint8

const (
	// KindSettlement carries one chain's share of a transfer.
	KindSettlement Kind = iota + 1
	// KindAck reports that a destination finalized its share.
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindSettlement:
		return "settlement"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MessageID is Keccak-256 over the message's origin, sequence, destination,
// resource, kind and payload.
type MessageID [32]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *MessageID) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	if len(raw) != len(id) {
		return fmt.Errorf("invalid message id length %d", len(raw))
	}
	copy(id[:], raw)
	return nil
}

// Address is the deterministic local address of a bootstrapped resource.
type Address [20]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Bootstrap carries what a destination needs to instantiate a resource it has
// never seen.
type Bootstrap struct {
	Code       []byte `json:"code"`
	InitParams []byte `json:"init_params"`
}

// Message is one relayed payload.
type Message struct {
	ID          MessageID         `json:"id"`
	Origin      ledger.ChainID    `json:"origin"`
	Destination ledger.ChainID    `json:"destination"`
	Sequence    uint64            `json:"sequence"`
	Resource    ledger.ResourceID `json:"resource"`
	Kind        Kind              `json:"kind"`
	Payload     []byte            `json:"payload"`
	Bootstrap   *Bootstrap        `json:"bootstrap,omitempty"`
}

// IsBroadcast reports whether the message fans out to every participant.
func (m *Message) IsBroadcast() bool {
	return m.Destination == BroadcastChain
}

// ComputeMessageID derives the id of a message from its content.
func ComputeMessageID(origin ledger.ChainID, seq uint64, dest ledger.ChainID, resource ledger.ResourceID, kind Kind, payload []byte) MessageID {
	var buf [8]byte
	h := sha3.NewLegacyKeccak256()
	binary.BigEndian.PutUint64(buf[:], uint64(origin))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(dest))
	h.Write(buf[:])
	h.Write(resource[:])
	h.Write([]byte{byte(kind)})
	h.Write(payload)

	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// Validate checks that the id matches the content.
func (m *Message) Validate() error {
	want := ComputeMessageID(m.Origin, m.Sequence, m.Destination, m.Resource, m.Kind, m.Payload)
	if want != m.ID {
		return fmt.Errorf("%w: id %s does not match content", ErrInvalidMessage, m.ID)
	}
	if m.Origin == BroadcastChain {
		return fmt.Errorf("%w: origin chain 0 is reserved", ErrInvalidMessage)
	}
	return nil
}
