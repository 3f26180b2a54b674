// notes.go - Encrypted openings attached to transfer deltas.
//
// A sender seals the (value, blinding) opening of each delta to the recipient
// on that chain. Sealing is an ephemeral-static Diffie-Hellman over BLS12-377
// G1; the shared point seeds a BW6-761 MiMC mask chain that is xored over the
// CBOR-encoded opening. The engine stores sealed notes as opaque bytes.

package notes

import (
	"errors"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
	"github.com/fxamacker/cbor/v2"

	"enygma/internal/commitment"
)

var (
	// ErrMalformedNote is returned for bytes that are not a sealed note.
	ErrMalformedNote = errors.New("malformed note")

	// ErrNotRecipient is returned when a note does not open the commitment it
	// is attached to, which is what a note sealed to someone else looks like.
	ErrNotRecipient = errors.New("note is not addressed to this key")
)

// PublicKeySize is the length of a compressed BLS12-377 G1 point.
const PublicKeySize = bls12377.SizeOfG1AffineCompressed

// KeyPair is a recipient's long-term note key.
type KeyPair struct {
	Secret bls12377_fr.Element
	Public bls12377.G1Affine
}

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := kp.Secret.SetRandom(); err != nil {
		return nil, err
	}
	_, _, g1, _ := bls12377.Generators()
	kp.Public.ScalarMultiplication(&g1, kp.Secret.BigInt(new(big.Int)))
	return &kp, nil
}

// PublicKeyBytes returns the compressed public key.
func (kp *KeyPair) PublicKeyBytes() []byte {
	b := kp.Public.Bytes()
	return b[:]
}

// ParsePublicKey decodes a compressed public key.
func ParsePublicKey(b []byte) (*bls12377.G1Affine, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(b); err != nil {
		return nil, fmt.Errorf("invalid note key: %w", err)
	}
	return &pk, nil
}

// Opening is what a recipient needs to spend a delta.
type Opening struct {
	Value    *big.Int `cbor:"1,keyasint"`
	Blinding *big.Int `cbor:"2,keyasint"`
}

// Commitment recomputes the commitment the opening describes.
func (o Opening) Commitment() commitment.Commitment {
	return commitment.Commit(o.Value, o.Blinding)
}

type sealed struct {
	Ephemeral []byte `cbor:"1,keyasint"`
	Body      []byte `cbor:"2,keyasint"`
}

// Seal encrypts op to recipient.
func Seal(recipient *bls12377.G1Affine, op Opening) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	plain, err := cbor.Marshal(op)
	if err != nil {
		return nil, err
	}
	shared := sharedPoint(&eph.Secret, recipient)
	return cbor.Marshal(sealed{
		Ephemeral: eph.PublicKeyBytes(),
		Body:      xorStream(plain, shared),
	})
}

// Open decrypts a sealed note. Without the matching commitment it cannot tell
// a foreign note from garbage; use Recognize when the commitment is known.
func Open(kp *KeyPair, note []byte) (Opening, error) {
	var s sealed
	if err := cbor.Unmarshal(note, &s); err != nil {
		return Opening{}, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	eph, err := ParsePublicKey(s.Ephemeral)
	if err != nil {
		return Opening{}, fmt.Errorf("%w: %v", ErrMalformedNote, err)
	}
	shared := sharedPoint(&kp.Secret, eph)
	var op Opening
	if err := cbor.Unmarshal(xorStream(s.Body, shared), &op); err != nil {
		return Opening{}, ErrNotRecipient
	}
	if op.Value == nil || op.Blinding == nil {
		return Opening{}, ErrNotRecipient
	}
	return op, nil
}

// Recognize opens note and checks it against the delta commitment c.
func Recognize(kp *KeyPair, note []byte, c commitment.Commitment) (Opening, error) {
	op, err := Open(kp, note)
	if err != nil {
		return Opening{}, err
	}
	if !op.Commitment().Equal(c) {
		return Opening{}, ErrNotRecipient
	}
	return op, nil
}

func sharedPoint(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// xorStream xors data with the MiMC chain seeded by the shared point:
// m_0 = H(x, y), m_i = H(..., m_{i-1}).
func xorStream(data []byte, shared *bls12377.G1Affine) []byte {
	h := mimcNative.NewMiMC()
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	mask := h.Sum(nil)

	out := make([]byte, len(data))
	for off := 0; off < len(data); off += len(mask) {
		end := off + len(mask)
		if end > len(data) {
			end = len(data)
		}
		copy(out[off:end], xorPad(data[off:end], mask)[:end-off])
		h.Write(mask)
		mask = h.Sum(nil)
	}
	return out
}

// xorPad xors two byte slices, padding the shorter one with zeros.
func xorPad(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var ab, bb byte
		if i < len(a) {
			ab = a[i]
		}
		if i < len(b) {
			bb = b[i]
		}
		out[i] = ab ^ bb
	}
	return out
}
