// Package wire implements BitChat's compact binary packet framing:
// a fixed header with optional recipient and signature fields, carrying
// an opaque typed payload. All multi-byte integers are big-endian.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by decoders on truncated or out-of-bounds input.
var ErrMalformed = errors.New("wire: malformed frame")

// ErrOversize is returned when an encode would exceed a configured limit.
var ErrOversize = errors.New("wire: payload exceeds maximum size")

// PeerID is an 8-byte ephemeral mesh address, rendered as 16 hex characters.
type PeerID [8]byte

func (p PeerID) String() string {
	const hexdigits = "0123456789abcdef"
	var out [16]byte
	for i, b := range p {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0x0f]
	}
	return string(out[:])
}

func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// ParsePeerID parses the 16-hex-character form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	if len(s) != 16 {
		return p, fmt.Errorf("%w: peer id %q is not 16 hex characters", ErrMalformed, s)
	}
	for i := 0; i < 8; i++ {
		var b byte
		for j := 0; j < 2; j++ {
			c := s[i*2+j]
			var v byte
			switch {
			case c >= '0' && c <= '9':
				v = c - '0'
			case c >= 'a' && c <= 'f':
				v = c - 'a' + 10
			case c >= 'A' && c <= 'F':
				v = c - 'A' + 10
			default:
				return PeerID{}, fmt.Errorf("%w: peer id %q has non-hex character %q", ErrMalformed, s, c)
			}
			b = b<<4 | v
		}
		p[i] = b
	}
	return p, nil
}

// NewRandomPeerID generates a fresh ephemeral address, unique for the
// lifetime of a process launch (spec.md §3 PeerID).
func NewRandomPeerID() (PeerID, error) {
	var p PeerID
	if _, err := rand.Read(p[:]); err != nil {
		return p, fmt.Errorf("wire: generate random peer id: %w", err)
	}
	return p, nil
}

// Packet types. This table is the single closed, non-overlapping
// enumeration chosen to resolve spec.md's Open Question about
// conflicting packet-type numbers in the original source; the header's
// Version byte is the negotiation point for ever changing it.
const (
	TypeAnnounce             byte = 0x01
	TypeNoiseHandshake       byte = 0x02
	TypeNoiseEncrypted       byte = 0x03
	TypePrivateMessage       byte = 0x04
	TypePublicMessage        byte = 0x05
	TypeFileMetadata         byte = 0x06
	TypeFileChunk            byte = 0x07
	TypeBinaryMetadata       byte = 0x08
	TypeBinaryChunk          byte = 0x09
	TypeReadReceipt          byte = 0x0A
	TypeFavoriteNotification byte = 0x0B
	TypePing                 byte = 0x0C
	TypePong                 byte = 0x0D
	TypeFragment             byte = 0x0E
)

// CurrentVersion is the only header version this codec emits.
const CurrentVersion byte = 1

const (
	flagHasRecipient = 1 << 0
	flagHasSignature = 1 << 1
)

// MinTTL and MaxTTL bound the hop counter per spec.md §3.
const (
	MinTTL = 1
	MaxTTL = 7
)

// Packet is the decoded form of a mesh frame (spec.md §3, §6).
type Packet struct {
	Version      byte
	Type         byte
	SenderID     PeerID
	RecipientID  PeerID // zero value means absent/broadcast
	HasRecipient bool
	TimestampMs  uint64
	TTL          byte
	Payload      []byte
	Signature    []byte // nil means absent
}

// Broadcast reports whether this packet has no specific recipient.
func (p *Packet) Broadcast() bool {
	return !p.HasRecipient
}

// Encode serializes a packet to its wire form. maxPayload bounds Payload
// length (spec.md §6 payloadLen is a 16-bit field, so 65535 is an
// absolute ceiling regardless of caller-supplied maxPayload).
func Encode(p *Packet, maxPayload int) ([]byte, error) {
	if len(p.Payload) > 65535 {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds 65535", ErrOversize, len(p.Payload))
	}
	if maxPayload > 0 && len(p.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds configured max %d", ErrOversize, len(p.Payload), maxPayload)
	}
	if len(p.Signature) > 65535 {
		return nil, fmt.Errorf("%w: signature %d bytes exceeds 65535", ErrOversize, len(p.Signature))
	}

	size := 1 + 1 + 8 + 1 + 8 + 1 + 2 + len(p.Payload) // version, type, senderID, flags, timestamp, ttl, payloadLen
	flags := byte(0)
	if p.HasRecipient {
		flags |= flagHasRecipient
		size += 8 // recipientID, present iff flagHasRecipient is set
	}
	if len(p.Signature) > 0 {
		flags |= flagHasSignature
		size += 2 + len(p.Signature)
	}

	out := make([]byte, size)
	pos := 0
	out[pos] = p.Version
	pos++
	out[pos] = p.Type
	pos++
	copy(out[pos:pos+8], p.SenderID[:])
	pos += 8
	out[pos] = flags
	pos++
	if p.HasRecipient {
		copy(out[pos:pos+8], p.RecipientID[:])
		pos += 8
	}
	binary.BigEndian.PutUint64(out[pos:pos+8], p.TimestampMs)
	pos += 8
	out[pos] = p.TTL
	pos++
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(p.Payload)))
	pos += 2
	copy(out[pos:pos+len(p.Payload)], p.Payload)
	pos += len(p.Payload)
	if len(p.Signature) > 0 {
		binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(p.Signature)))
		pos += 2
		copy(out[pos:pos+len(p.Signature)], p.Signature)
		pos += len(p.Signature)
	}
	return out, nil
}

// Decode parses a packet from its wire form. It never panics on
// truncated input, returning ErrMalformed instead.
func Decode(data []byte) (*Packet, error) {
	// version, type, senderID(8), flags, timestamp(8), ttl, payloadLen(2);
	// recipientID(8) is present iff flagHasRecipient is set.
	const fixedLen = 1 + 1 + 8 + 1 + 8 + 1 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: header too short", ErrMalformed)
	}

	p := &Packet{}
	pos := 0
	p.Version = data[pos]
	pos++
	p.Type = data[pos]
	pos++
	copy(p.SenderID[:], data[pos:pos+8])
	pos += 8
	flags := data[pos]
	pos++
	p.HasRecipient = flags&flagHasRecipient != 0
	if p.HasRecipient {
		if len(data)-pos < 8 {
			return nil, fmt.Errorf("%w: truncated recipient id", ErrMalformed)
		}
		copy(p.RecipientID[:], data[pos:pos+8])
		pos += 8
	}
	if len(data)-pos < 8+1+2 {
		return nil, fmt.Errorf("%w: header too short", ErrMalformed)
	}
	p.TimestampMs = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8
	p.TTL = data[pos]
	pos++
	payloadLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2

	if len(data)-pos < payloadLen {
		return nil, fmt.Errorf("%w: payload length %d exceeds remaining %d bytes", ErrMalformed, payloadLen, len(data)-pos)
	}
	p.Payload = append([]byte(nil), data[pos:pos+payloadLen]...)
	pos += payloadLen

	if flags&flagHasSignature != 0 {
		if len(data)-pos < 2 {
			return nil, fmt.Errorf("%w: truncated signature length", ErrMalformed)
		}
		sigLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if len(data)-pos < sigLen {
			return nil, fmt.Errorf("%w: signature length %d exceeds remaining %d bytes", ErrMalformed, sigLen, len(data)-pos)
		}
		p.Signature = append([]byte(nil), data[pos:pos+sigLen]...)
		pos += sigLen
	}

	if p.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, p.Version)
	}
	if p.TTL > MaxTTL {
		return nil, fmt.Errorf("%w: ttl %d exceeds max %d", ErrMalformed, p.TTL, MaxTTL)
	}

	return p, nil
}
