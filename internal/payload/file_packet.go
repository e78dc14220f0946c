package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// File packet TLV tags (spec.md §4.1).
const (
	tlvFilename byte = 0x01
	tlvFilesize byte = 0x02
	tlvMime     byte = 0x03
	tlvContent  byte = 0x04
)

// FilePacket is a whole-file transfer payload (spec.md §3, §4.1).
type FilePacket struct {
	FileName string
	FileSize uint32
	MimeType string
	Content  []byte
}

// EncodeFilePacket serializes a FilePacket using the modern (u32-length
// content TLV) wire form. Overall size is bounded by MaxMessageSize.
func EncodeFilePacket(f *FilePacket) ([]byte, error) {
	size := 1 + u16StringSize(f.FileName) +
		1 + 2 + 4 + // filesize TLV: type, u16 len(==4), u32 value
		1 + u16StringSize(f.MimeType) +
		1 + 4 + len(f.Content) // content TLV: type, u32 len, bytes

	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: file packet %d bytes exceeds %d", wire.ErrOversize, size, MaxMessageSize)
	}

	out := make([]byte, size)
	pos := 0

	out[pos] = tlvFilename
	pos++
	pos = putU16String(out, pos, f.FileName)

	out[pos] = tlvFilesize
	pos++
	binary.BigEndian.PutUint16(out[pos:pos+2], 4)
	pos += 2
	binary.BigEndian.PutUint32(out[pos:pos+4], f.FileSize)
	pos += 4

	out[pos] = tlvMime
	pos++
	pos = putU16String(out, pos, f.MimeType)

	out[pos] = tlvContent
	pos++
	binary.BigEndian.PutUint32(out[pos:pos+4], uint32(len(f.Content)))
	pos += 4
	copy(out[pos:], f.Content)

	return out, nil
}

// DecodeFilePacket parses a FilePacket, tolerating the legacy variant
// where the content TLV carries a u16 length instead of u32. The two
// are disambiguated by checking whether interpreting the next two
// bytes as a u16 length would consume the TLV stream to its exact end;
// if so it is legacy, otherwise the following four bytes are read as
// a u32 length. Multiple content TLVs, if present, are concatenated in
// the order they appear.
func DecodeFilePacket(data []byte) (*FilePacket, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: file packet %d bytes exceeds %d", ErrMalformedPayload, len(data), MaxMessageSize)
	}

	f := &FilePacket{}
	var haveFilesize bool
	pos := 0

	for pos < len(data) {
		tag := data[pos]
		pos++

		switch tag {
		case tlvFilename:
			s, np, err := getU16String(data, pos)
			if err != nil {
				return nil, err
			}
			f.FileName = s
			pos = np

		case tlvFilesize:
			if len(data)-pos < 2 {
				return nil, fmt.Errorf("%w: truncated filesize length", ErrMalformedPayload)
			}
			l := binary.BigEndian.Uint16(data[pos : pos+2])
			pos += 2
			if l != 4 {
				return nil, fmt.Errorf("%w: filesize TLV length %d != 4", ErrMalformedPayload, l)
			}
			if len(data)-pos < 4 {
				return nil, fmt.Errorf("%w: truncated filesize value", ErrMalformedPayload)
			}
			f.FileSize = binary.BigEndian.Uint32(data[pos : pos+4])
			pos += 4
			haveFilesize = true

		case tlvMime:
			s, np, err := getU16String(data, pos)
			if err != nil {
				return nil, err
			}
			f.MimeType = s
			pos = np

		case tlvContent:
			remaining := len(data) - pos
			if remaining < 2 {
				return nil, fmt.Errorf("%w: truncated content length", ErrMalformedPayload)
			}
			legacyLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
			if legacyLen == remaining-2 {
				// Legacy u16-length variant: this TLV runs to the exact
				// end of the buffer.
				pos += 2
				f.Content = append(f.Content, data[pos:pos+legacyLen]...)
				pos += legacyLen
			} else {
				if remaining < 4 {
					return nil, fmt.Errorf("%w: truncated content length", ErrMalformedPayload)
				}
				modernLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
				pos += 4
				if len(data)-pos < modernLen {
					return nil, fmt.Errorf("%w: content length %d exceeds remaining %d bytes", ErrMalformedPayload, modernLen, len(data)-pos)
				}
				f.Content = append(f.Content, data[pos:pos+modernLen]...)
				pos += modernLen
			}

		default:
			return nil, fmt.Errorf("%w: unknown file packet TLV tag 0x%02x", ErrMalformedPayload, tag)
		}
	}

	if !haveFilesize {
		return nil, fmt.Errorf("%w: file packet missing required filesize TLV", ErrMalformedPayload)
	}
	return f, nil
}
