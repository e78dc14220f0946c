package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TransferID identifies a fragmented transfer (spec.md §3 Fragment, §6).
type TransferID [16]byte

// NewTransferID generates a fresh random transfer identifier, shared by
// fragment reassembly (spec.md §3 Fragment) and binary transfer
// metadata (spec.md §4.1). A v4 UUID is exactly 16 bytes, matching the
// wire format's transferID field.
func NewTransferID() TransferID {
	return TransferID(uuid.New())
}

// FragmentPayload is the decoded payload of a TypeFragment packet
// (spec.md §6: 16 transferID, 2 index, 2 total, 2 sliceLen, sliceLen
// bytes), extended with a 1-byte originalType so the packet type being
// fragmented survives reassembly without reusing TypeFragment itself
// (the fragment carrier's own wire.Packet.Type) as its recovered value.
type FragmentPayload struct {
	TransferID   TransferID
	Index        uint16
	Total        uint16
	OriginalType byte
	Slice        []byte
}

// EncodeFragment serializes a fragment payload.
func EncodeFragment(f *FragmentPayload) ([]byte, error) {
	if len(f.Slice) > 65535 {
		return nil, fmt.Errorf("%w: fragment slice %d bytes exceeds 65535", ErrOversize, len(f.Slice))
	}
	if f.Index >= f.Total {
		return nil, fmt.Errorf("%w: fragment index %d >= total %d", ErrMalformed, f.Index, f.Total)
	}
	out := make([]byte, 16+2+2+1+2+len(f.Slice))
	pos := 0
	copy(out[pos:pos+16], f.TransferID[:])
	pos += 16
	binary.BigEndian.PutUint16(out[pos:pos+2], f.Index)
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], f.Total)
	pos += 2
	out[pos] = f.OriginalType
	pos++
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(f.Slice)))
	pos += 2
	copy(out[pos:], f.Slice)
	return out, nil
}

// DecodeFragment parses a fragment payload.
func DecodeFragment(data []byte) (*FragmentPayload, error) {
	const fixedLen = 16 + 2 + 2 + 1 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: fragment header too short", ErrMalformed)
	}
	f := &FragmentPayload{}
	pos := 0
	copy(f.TransferID[:], data[pos:pos+16])
	pos += 16
	f.Index = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	f.Total = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	f.OriginalType = data[pos]
	pos++
	sliceLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data)-pos < sliceLen {
		return nil, fmt.Errorf("%w: fragment slice length %d exceeds remaining %d bytes", ErrMalformed, sliceLen, len(data)-pos)
	}
	f.Slice = append([]byte(nil), data[pos:pos+sliceLen]...)

	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("%w: fragment index %d out of range for total %d", ErrMalformed, f.Index, f.Total)
	}
	return f, nil
}
