package payload

import (
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// ReadReceipt acknowledges delivery/read of a prior message (spec.md §3, §4.7).
type ReadReceipt struct {
	OriginalMessageID string
}

// EncodeReadReceipt serializes a ReadReceipt.
func EncodeReadReceipt(r *ReadReceipt) ([]byte, error) {
	if len(r.OriginalMessageID) > 255 {
		return nil, fmt.Errorf("%w: originalMessageID %d bytes exceeds 255", wire.ErrOversize, len(r.OriginalMessageID))
	}
	out := make([]byte, u8StringSize(r.OriginalMessageID))
	putU8String(out, 0, r.OriginalMessageID)
	return out, nil
}

// DecodeReadReceipt parses a ReadReceipt.
func DecodeReadReceipt(data []byte) (*ReadReceipt, error) {
	id, pos, err := getU8String(data, 0)
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after read receipt", ErrMalformedPayload, len(data)-pos)
	}
	return &ReadReceipt{OriginalMessageID: id}, nil
}

// FavoriteNotification tells a peer it has been favorited/unfavorited
// (spec.md §3, §4.7, and the favorites reachability rule in §4.6).
type FavoriteNotification struct {
	IsFavorite bool
}

// EncodeFavoriteNotification serializes a FavoriteNotification.
func EncodeFavoriteNotification(f *FavoriteNotification) []byte {
	if f.IsFavorite {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeFavoriteNotification parses a FavoriteNotification.
func DecodeFavoriteNotification(data []byte) (*FavoriteNotification, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("%w: favorite notification must be exactly 1 byte", ErrMalformedPayload)
	}
	return &FavoriteNotification{IsFavorite: data[0] != 0}, nil
}
