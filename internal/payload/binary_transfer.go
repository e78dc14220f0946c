package payload

import (
	"encoding/binary"
	"fmt"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// BinaryTransferKind enumerates the media kinds a binary transfer may carry.
type BinaryTransferKind byte

const (
	BinaryTransferImage BinaryTransferKind = 1
	BinaryTransferAudio BinaryTransferKind = 2
)

const binaryTransferVersion byte = 1

const (
	binaryFlagHasFilename byte = 1 << 0
	binaryFlagHasChecksum byte = 1 << 1
)

// MaxBinaryTransferSize bounds totalSize (spec.md §4.1).
const MaxBinaryTransferSize = 2_000_000

// MinChunkSize and MaxChunkSize bound chunkSize (spec.md §4.1).
const (
	MinChunkSize = 128
	MaxChunkSize = 4096
)

// ChecksumSize is the SHA-256 checksum length used when the checksum flag is set.
const ChecksumSize = 32

// BinaryTransferMetadata announces an incoming chunked binary transfer
// (spec.md §3, §4.1).
type BinaryTransferMetadata struct {
	Kind       BinaryTransferKind
	TransferID wire.TransferID
	TotalSize  uint32
	ChunkSize  uint16
	ChunkCount uint16
	Mime       string
	FileName   string // optional, present iff FileName != ""
	Checksum   []byte // optional sha256, present iff len == ChecksumSize
}

func expectedChunkCount(totalSize uint32, chunkSize uint16) uint16 {
	if chunkSize == 0 {
		return 0
	}
	n := (uint32(totalSize) + uint32(chunkSize) - 1) / uint32(chunkSize)
	if totalSize == 0 {
		n = 0
	}
	return uint16(n)
}

// EncodeBinaryTransferMetadata serializes a BinaryTransferMetadata.
func EncodeBinaryTransferMetadata(m *BinaryTransferMetadata) ([]byte, error) {
	if m.TotalSize > MaxBinaryTransferSize {
		return nil, fmt.Errorf("%w: totalSize %d exceeds %d", wire.ErrOversize, m.TotalSize, MaxBinaryTransferSize)
	}
	if m.ChunkSize < MinChunkSize || m.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunkSize %d out of range [%d,%d]", ErrMalformedPayload, m.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if want := expectedChunkCount(m.TotalSize, m.ChunkSize); want != m.ChunkCount {
		return nil, fmt.Errorf("%w: chunkCount %d != expected %d", ErrMalformedPayload, m.ChunkCount, want)
	}
	if m.Checksum != nil && len(m.Checksum) != ChecksumSize {
		return nil, fmt.Errorf("%w: checksum must be %d bytes", ErrMalformedPayload, ChecksumSize)
	}

	flags := byte(0)
	if m.FileName != "" {
		flags |= binaryFlagHasFilename
	}
	if len(m.Checksum) == ChecksumSize {
		flags |= binaryFlagHasChecksum
	}

	size := 1 + 1 + 1 + 16 + 4 + 2 + 2 + u16StringSize(m.Mime)
	if flags&binaryFlagHasFilename != 0 {
		size += u16StringSize(m.FileName)
	}
	if flags&binaryFlagHasChecksum != 0 {
		size += ChecksumSize
	}

	out := make([]byte, size)
	pos := 0
	out[pos] = binaryTransferVersion
	pos++
	out[pos] = byte(m.Kind)
	pos++
	out[pos] = flags
	pos++
	copy(out[pos:pos+16], m.TransferID[:])
	pos += 16
	binary.BigEndian.PutUint32(out[pos:pos+4], m.TotalSize)
	pos += 4
	binary.BigEndian.PutUint16(out[pos:pos+2], m.ChunkSize)
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], m.ChunkCount)
	pos += 2
	pos = putU16String(out, pos, m.Mime)
	if flags&binaryFlagHasFilename != 0 {
		pos = putU16String(out, pos, m.FileName)
	}
	if flags&binaryFlagHasChecksum != 0 {
		copy(out[pos:pos+ChecksumSize], m.Checksum)
		pos += ChecksumSize
	}
	return out, nil
}

// DecodeBinaryTransferMetadata parses a BinaryTransferMetadata.
func DecodeBinaryTransferMetadata(data []byte) (*BinaryTransferMetadata, error) {
	const fixedLen = 1 + 1 + 1 + 16 + 4 + 2 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: binary transfer metadata header too short", ErrMalformedPayload)
	}
	m := &BinaryTransferMetadata{}
	pos := 0

	version := data[pos]
	pos++
	if version != binaryTransferVersion {
		return nil, fmt.Errorf("%w: unsupported binary transfer version %d", ErrMalformedPayload, version)
	}
	m.Kind = BinaryTransferKind(data[pos])
	pos++
	if m.Kind != BinaryTransferImage && m.Kind != BinaryTransferAudio {
		return nil, fmt.Errorf("%w: unknown binary transfer kind %d", ErrMalformedPayload, m.Kind)
	}
	flags := data[pos]
	pos++
	copy(m.TransferID[:], data[pos:pos+16])
	pos += 16
	m.TotalSize = binary.BigEndian.Uint32(data[pos : pos+4])
	pos += 4
	if m.TotalSize > MaxBinaryTransferSize {
		return nil, fmt.Errorf("%w: totalSize %d exceeds %d", ErrMalformedPayload, m.TotalSize, MaxBinaryTransferSize)
	}
	m.ChunkSize = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	if m.ChunkSize < MinChunkSize || m.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunkSize %d out of range [%d,%d]", ErrMalformedPayload, m.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	m.ChunkCount = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	if want := expectedChunkCount(m.TotalSize, m.ChunkSize); want != m.ChunkCount {
		return nil, fmt.Errorf("%w: chunkCount %d != expected %d", ErrMalformedPayload, m.ChunkCount, want)
	}

	mime, pos2, err := getU16String(data, pos)
	if err != nil {
		return nil, err
	}
	m.Mime = mime
	pos = pos2

	if flags&binaryFlagHasFilename != 0 {
		name, pos3, err := getU16String(data, pos)
		if err != nil {
			return nil, err
		}
		m.FileName = name
		pos = pos3
	}

	if flags&binaryFlagHasChecksum != 0 {
		if len(data)-pos < ChecksumSize {
			return nil, fmt.Errorf("%w: truncated checksum", ErrMalformedPayload)
		}
		m.Checksum = append([]byte(nil), data[pos:pos+ChecksumSize]...)
		pos += ChecksumSize
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after binary transfer metadata", ErrMalformedPayload, len(data)-pos)
	}
	return m, nil
}

// BinaryTransferChunk carries one chunk of a binary transfer (spec.md §4.1).
type BinaryTransferChunk struct {
	TransferID     wire.TransferID
	SequenceNumber uint16
	TotalChunks    uint16
	Payload        []byte
}

// EncodeBinaryTransferChunk serializes a BinaryTransferChunk.
func EncodeBinaryTransferChunk(c *BinaryTransferChunk) ([]byte, error) {
	if c.SequenceNumber >= c.TotalChunks {
		return nil, fmt.Errorf("%w: sequenceNumber %d >= totalChunks %d", ErrMalformedPayload, c.SequenceNumber, c.TotalChunks)
	}
	if len(c.Payload) == 0 {
		return nil, fmt.Errorf("%w: chunk payload must not be empty", ErrMalformedPayload)
	}
	if len(c.Payload) > MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk payload %d bytes exceeds %d", wire.ErrOversize, len(c.Payload), MaxChunkSize)
	}

	out := make([]byte, 1+16+2+2+2+len(c.Payload))
	pos := 0
	out[pos] = binaryTransferVersion
	pos++
	copy(out[pos:pos+16], c.TransferID[:])
	pos += 16
	binary.BigEndian.PutUint16(out[pos:pos+2], c.SequenceNumber)
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], c.TotalChunks)
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(len(c.Payload)))
	pos += 2
	copy(out[pos:], c.Payload)
	return out, nil
}

// DecodeBinaryTransferChunk parses a BinaryTransferChunk. maxChunkSize of
// 0 falls back to MaxChunkSize.
func DecodeBinaryTransferChunk(data []byte, maxChunkSize int) (*BinaryTransferChunk, error) {
	const fixedLen = 1 + 16 + 2 + 2 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("%w: binary transfer chunk header too short", ErrMalformedPayload)
	}
	if maxChunkSize <= 0 {
		maxChunkSize = MaxChunkSize
	}

	c := &BinaryTransferChunk{}
	pos := 0
	version := data[pos]
	pos++
	if version != binaryTransferVersion {
		return nil, fmt.Errorf("%w: unsupported binary transfer version %d", ErrMalformedPayload, version)
	}
	copy(c.TransferID[:], data[pos:pos+16])
	pos += 16
	c.SequenceNumber = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	c.TotalChunks = binary.BigEndian.Uint16(data[pos : pos+2])
	pos += 2
	if c.TotalChunks == 0 || c.SequenceNumber >= c.TotalChunks {
		return nil, fmt.Errorf("%w: sequenceNumber %d out of range for totalChunks %d", ErrMalformedPayload, c.SequenceNumber, c.TotalChunks)
	}
	payloadLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if payloadLen == 0 {
		return nil, fmt.Errorf("%w: chunk payload must not be empty", ErrMalformedPayload)
	}
	if payloadLen > maxChunkSize {
		return nil, fmt.Errorf("%w: chunk payload %d bytes exceeds max %d", ErrMalformedPayload, payloadLen, maxChunkSize)
	}
	if len(data)-pos != payloadLen {
		return nil, fmt.Errorf("%w: chunk payload length %d != remaining %d bytes", ErrMalformedPayload, payloadLen, len(data)-pos)
	}
	c.Payload = append([]byte(nil), data[pos:pos+payloadLen]...)
	return c, nil
}
