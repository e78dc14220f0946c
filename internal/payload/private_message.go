package payload

import (
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// PrivateMessage is the 1:1 text message payload (spec.md §3, §4.1):
// {1-byte length of messageID}{messageID UTF-8}{2-byte length of content}{content UTF-8}.
type PrivateMessage struct {
	MessageID string
	Content   string
}

// MaxPrivateContentLen is the encode-time ceiling on Content (spec.md §4.1).
const MaxPrivateContentLen = 65535

// EncodePrivateMessage serializes a PrivateMessage.
func EncodePrivateMessage(m *PrivateMessage) ([]byte, error) {
	if len(m.MessageID) > 255 {
		return nil, fmt.Errorf("%w: messageID %d bytes exceeds 255", wire.ErrOversize, len(m.MessageID))
	}
	if len(m.Content) > MaxPrivateContentLen {
		return nil, fmt.Errorf("%w: content %d bytes exceeds %d", wire.ErrOversize, len(m.Content), MaxPrivateContentLen)
	}

	out := make([]byte, u8StringSize(m.MessageID)+u16StringSize(m.Content))
	pos := putU8String(out, 0, m.MessageID)
	putU16String(out, pos, m.Content)
	return out, nil
}

// DecodePrivateMessage parses a PrivateMessage payload.
func DecodePrivateMessage(data []byte) (*PrivateMessage, error) {
	messageID, pos, err := getU8String(data, 0)
	if err != nil {
		return nil, err
	}
	content, pos, err := getU16String(data, pos)
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after private message", ErrMalformedPayload, len(data)-pos)
	}
	return &PrivateMessage{MessageID: messageID, Content: content}, nil
}
