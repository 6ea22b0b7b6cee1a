package cache

import (
	"fmt"

	"github.com/golang/snappy"
)

const (
	codecRaw    byte = 0
	codecSnappy byte = 1

	// Values above this size are snappy-compressed before storage.
	compressThreshold = 1024
)

// encodeValue frames raw behind a magic byte, compressing large payloads.
func encodeValue(raw []byte) []byte {
	if len(raw) > compressThreshold {
		compressed := snappy.Encode(nil, raw)
		if len(compressed) < len(raw) {
			framed := make([]byte, len(compressed)+1)
			framed[0] = codecSnappy
			copy(framed[1:], compressed)
			return framed
		}
	}
	framed := make([]byte, len(raw)+1)
	framed[0] = codecRaw
	copy(framed[1:], raw)
	return framed
}

// decodeValue reverses encodeValue.
func decodeValue(framed []byte) ([]byte, error) {
	if len(framed) == 0 {
		return nil, nil
	}
	payload := framed[1:]
	switch framed[0] {
	case codecRaw:
		return payload, nil
	case codecSnappy:
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("corrupted value: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unknown value framing 0x%02x", framed[0])
	}
}
