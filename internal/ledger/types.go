// types.go - Identifiers and records shared by the ledger components.

package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"enygma/internal/commitment"
)

// ChainID identifies one participating ledger. Zero is reserved for broadcast.
type ChainID uint64

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// Nullifier is the one-time spend tag of a transfer.
type Nullifier [32]byte

func (n Nullifier) String() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether n is unset.
func (n Nullifier) IsZero() bool {
	return n == Nullifier{}
}

// MarshalText implements encoding.TextMarshaler.
func (n Nullifier) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nullifier) UnmarshalText(text []byte) error {
	parsed, err := ParseNullifier(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseNullifier decodes a 64-character hex string.
func ParseNullifier(s string) (Nullifier, error) {
	var n Nullifier
	if err := decodeHex32(s, n[:]); err != nil {
		return n, fmt.Errorf("invalid nullifier: %w", err)
	}
	return n, nil
}

// ResourceID identifies an asset instance across chains.
type ResourceID [32]byte

func (r ResourceID) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalText implements encoding.TextMarshaler.
func (r ResourceID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *ResourceID) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceID(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseResourceID decodes a 64-character hex string.
func ParseResourceID(s string) (ResourceID, error) {
	var r ResourceID
	if err := decodeHex32(s, r[:]); err != nil {
		return r, fmt.Errorf("invalid resource id: %w", err)
	}
	return r, nil
}

func decodeHex32(s string, dst []byte) error {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(dst, raw)
	return nil
}

// Delta is one chain's share of a transfer.
type Delta struct {
	Chain      ChainID
	Commitment commitment.Commitment
	// Note is the recipient's encrypted opening. Opaque to the ledger.
	Note []byte `cbor:",omitempty"`
}

// PendingTransaction is a recorded but not yet finalized transfer.
//
// On the origin chain Deltas holds every chain's share. An entry enqueued from
// a relayed message holds only the receiving chain's share.
type PendingTransaction struct {
	Sequence    uint64
	Nullifier   Nullifier
	Origin      ChainID
	OriginBlock uint64
	// ReadyAt is the local block at which the entry was recorded; it becomes
	// finalizable at any later block.
	ReadyAt uint64
	Deltas  []Delta
}

// DeltaFor returns the share addressed to chain.
func (p PendingTransaction) DeltaFor(chain ChainID) (Delta, bool) {
	for _, d := range p.Deltas {
		if d.Chain == chain {
			return d, true
		}
	}
	return Delta{}, false
}

// ChainBalance is the finalized view of one chain.
type ChainBalance struct {
	Commitment         commitment.Commitment
	LastFinalizedBlock uint64
}
