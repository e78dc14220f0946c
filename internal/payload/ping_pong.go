package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// Ping probes reachability/latency to a specific peer (spec.md §4.7).
// It is not required for message delivery.
type Ping struct {
	PingID         string
	SenderID       wire.PeerID
	SenderNickname string
	TargetID       wire.PeerID
	TargetNickname string
	TimestampMs    uint64
}

// EncodePing serializes a Ping.
func EncodePing(p *Ping) ([]byte, error) {
	if len(p.PingID) > 255 || len(p.SenderNickname) > 65535 || len(p.TargetNickname) > 65535 {
		return nil, fmt.Errorf("%w: ping field too long", wire.ErrOversize)
	}
	size := u8StringSize(p.PingID) + 8 + u16StringSize(p.SenderNickname) + 8 + u16StringSize(p.TargetNickname) + 8
	out := make([]byte, size)
	pos := putU8String(out, 0, p.PingID)
	copy(out[pos:pos+8], p.SenderID[:])
	pos += 8
	pos = putU16String(out, pos, p.SenderNickname)
	copy(out[pos:pos+8], p.TargetID[:])
	pos += 8
	pos = putU16String(out, pos, p.TargetNickname)
	binary.BigEndian.PutUint64(out[pos:pos+8], p.TimestampMs)
	return out, nil
}

// DecodePing parses a Ping.
func DecodePing(data []byte) (*Ping, error) {
	p := &Ping{}
	pingID, pos, err := getU8String(data, 0)
	if err != nil {
		return nil, err
	}
	p.PingID = pingID
	if len(data)-pos < 8 {
		return nil, fmt.Errorf("%w: truncated ping senderID", ErrMalformedPayload)
	}
	copy(p.SenderID[:], data[pos:pos+8])
	pos += 8

	nick, pos2, err := getU16String(data, pos)
	if err != nil {
		return nil, err
	}
	p.SenderNickname = nick
	pos = pos2

	if len(data)-pos < 8 {
		return nil, fmt.Errorf("%w: truncated ping targetID", ErrMalformedPayload)
	}
	copy(p.TargetID[:], data[pos:pos+8])
	pos += 8

	tnick, pos3, err := getU16String(data, pos)
	if err != nil {
		return nil, err
	}
	p.TargetNickname = tnick
	pos = pos3

	if len(data)-pos != 8 {
		return nil, fmt.Errorf("%w: truncated ping timestamp", ErrMalformedPayload)
	}
	p.TimestampMs = binary.BigEndian.Uint64(data[pos : pos+8])
	return p, nil
}

// Pong echoes a Ping's PingID and records when it was answered (spec.md §4.7).
// RTT = ResponseTimestampMs - the original Ping's TimestampMs.
type Pong struct {
	PingID              string
	ResponseTimestampMs uint64
}

// EncodePong serializes a Pong.
func EncodePong(p *Pong) ([]byte, error) {
	if len(p.PingID) > 255 {
		return nil, fmt.Errorf("%w: pong pingID too long", wire.ErrOversize)
	}
	out := make([]byte, u8StringSize(p.PingID)+8)
	pos := putU8String(out, 0, p.PingID)
	binary.BigEndian.PutUint64(out[pos:pos+8], p.ResponseTimestampMs)
	return out, nil
}

// DecodePong parses a Pong.
func DecodePong(data []byte) (*Pong, error) {
	pingID, pos, err := getU8String(data, 0)
	if err != nil {
		return nil, err
	}
	if len(data)-pos != 8 {
		return nil, fmt.Errorf("%w: truncated pong response timestamp", ErrMalformedPayload)
	}
	return &Pong{PingID: pingID, ResponseTimestampMs: binary.BigEndian.Uint64(data[pos : pos+8])}, nil
}

// RTT computes round-trip time in milliseconds given the original ping.
func RTT(original *Ping, pong *Pong) int64 {
	return int64(pong.ResponseTimestampMs) - int64(original.TimestampMs)
}
