// Package payload implements the typed message codecs carried inside a
// mesh packet's payload bytes (spec.md §4.1, §4.7): private messages,
// file transfers, binary chunked transfers, receipts, favorites and
// ping/pong. Every decoder here is total on well-formed input and
// returns ErrMalformedPayload otherwise, matching wire.ErrMalformed.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// ErrMalformedPayload mirrors wire.ErrMalformed for the typed-codec layer.
var ErrMalformedPayload = wire.ErrMalformed

// MaxMessageSize bounds an encoded typed payload (spec.md §4.1, default 500KB).
const MaxMessageSize = 500_000

func putU16String(dst []byte, pos int, s string) int {
	binary.BigEndian.PutUint16(dst[pos:pos+2], uint16(len(s)))
	pos += 2
	copy(dst[pos:], s)
	return pos + len(s)
}

func u16StringSize(s string) int {
	return 2 + len(s)
}

func getU16String(data []byte, pos int) (string, int, error) {
	if len(data)-pos < 2 {
		return "", pos, fmt.Errorf("%w: truncated u16-length prefix", ErrMalformedPayload)
	}
	n := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data)-pos < n {
		return "", pos, fmt.Errorf("%w: u16 string length %d exceeds remaining %d bytes", ErrMalformedPayload, n, len(data)-pos)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

func putU8String(dst []byte, pos int, s string) int {
	dst[pos] = byte(len(s))
	pos++
	copy(dst[pos:], s)
	return pos + len(s)
}

func u8StringSize(s string) int {
	return 1 + len(s)
}

func getU8String(data []byte, pos int) (string, int, error) {
	if len(data)-pos < 1 {
		return "", pos, fmt.Errorf("%w: truncated u8-length prefix", ErrMalformedPayload)
	}
	n := int(data[pos])
	pos++
	if len(data)-pos < n {
		return "", pos, fmt.Errorf("%w: u8 string length %d exceeds remaining %d bytes", ErrMalformedPayload, n, len(data)-pos)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

var errShortBuffer = errors.New("payload: destination buffer too small")
