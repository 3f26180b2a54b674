package storage

import (
	"encoding/binary"
	"fmt"
)

// MakeKey builds code || parts. Integers are big-endian so that key order
// matches numeric order.
func MakeKey(code byte, parts ...interface{}) []byte {
	key := []byte{code}
	for _, part := range parts {
		key = append(key, keyPart(part)...)
	}
	return key
}

func keyPart(v interface{}) []byte {
	switch p := v.(type) {
	case uint8:
		return []byte{p}
	case uint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, p)
		return b
	case uint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, p)
		return b
	case string:
		return []byte(p)
	case []byte:
		return p
	case [32]byte:
		return p[:]
	case [20]byte:
		return p[:]
	case interface{ Bytes() []byte }:
		return p.Bytes()
	default:
		panic(fmt.Sprintf("unsupported key part type %T", v))
	}
}
