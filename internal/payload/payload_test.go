package payload

import (
	"bytes"
	"testing"

	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

func TestPrivateMessageRoundTrip(t *testing.T) {
	want := &PrivateMessage{MessageID: "m-1", Content: "hello there"}
	enc, err := EncodePrivateMessage(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePrivateMessage(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPrivateMessageRejectsOversizeContent(t *testing.T) {
	_, err := EncodePrivateMessage(&PrivateMessage{MessageID: "m", Content: string(make([]byte, MaxPrivateContentLen+1))})
	if err == nil {
		t.Fatalf("expected oversize content to be rejected")
	}
}

func TestPrivateMessageRejectsTrailingBytes(t *testing.T) {
	enc, err := EncodePrivateMessage(&PrivateMessage{MessageID: "m", Content: "x"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePrivateMessage(append(enc, 0xFF)); err == nil {
		t.Fatalf("expected trailing byte to be rejected")
	}
}

func TestReadReceiptRoundTrip(t *testing.T) {
	want := &ReadReceipt{OriginalMessageID: "m-42"}
	enc, err := EncodeReadReceipt(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeReadReceipt(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFavoriteNotificationRoundTrip(t *testing.T) {
	for _, want := range []bool{true, false} {
		enc := EncodeFavoriteNotification(&FavoriteNotification{IsFavorite: want})
		got, err := DecodeFavoriteNotification(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.IsFavorite != want {
			t.Fatalf("got %v, want %v", got.IsFavorite, want)
		}
	}
}

func TestFavoriteNotificationRejectsWrongLength(t *testing.T) {
	if _, err := DecodeFavoriteNotification([]byte{0, 1}); err == nil {
		t.Fatalf("expected a 2-byte favorite notification to be rejected")
	}
}

func TestPingPongRoundTripAndRTT(t *testing.T) {
	ping := &Ping{
		PingID:         "p-1",
		SenderID:       wire.PeerID{1},
		SenderNickname: "alice",
		TargetID:       wire.PeerID{2},
		TargetNickname: "bob",
		TimestampMs:    1000,
	}
	enc, err := EncodePing(ping)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	gotPing, err := DecodePing(enc)
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if *gotPing != *ping {
		t.Fatalf("ping round trip mismatch: got %+v, want %+v", gotPing, ping)
	}

	pong := &Pong{PingID: ping.PingID, ResponseTimestampMs: 1250}
	encPong, err := EncodePong(pong)
	if err != nil {
		t.Fatalf("encode pong: %v", err)
	}
	gotPong, err := DecodePong(encPong)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if *gotPong != *pong {
		t.Fatalf("pong round trip mismatch: got %+v, want %+v", gotPong, pong)
	}

	if rtt := RTT(ping, gotPong); rtt != 250 {
		t.Fatalf("expected rtt 250, got %d", rtt)
	}
}

func TestFilePacketRoundTrip(t *testing.T) {
	want := &FilePacket{
		FileName: "notes.txt",
		FileSize: 5,
		MimeType: "text/plain",
		Content:  []byte("hello"),
	}
	enc, err := EncodeFilePacket(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFilePacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FileName != want.FileName || got.FileSize != want.FileSize || got.MimeType != want.MimeType || !bytes.Equal(got.Content, want.Content) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFilePacketDecodesLegacyU16ContentLength(t *testing.T) {
	content := []byte("legacy payload")
	out := []byte{tlvFilesize, 0, 4, 0, 0, 0, byte(len(content)), tlvContent}
	lenBuf := make([]byte, 2)
	lenBuf[0] = byte(len(content) >> 8)
	lenBuf[1] = byte(len(content))
	out = append(out, lenBuf...)
	out = append(out, content...)

	got, err := DecodeFilePacket(out)
	if err != nil {
		t.Fatalf("decode legacy content TLV: %v", err)
	}
	if !bytes.Equal(got.Content, content) {
		t.Fatalf("got %q, want %q", got.Content, content)
	}
}

func TestFilePacketRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeFilePacket([]byte{0xFE, 0, 0}); err == nil {
		t.Fatalf("expected unknown TLV tag to be rejected")
	}
}

func TestBinaryTransferMetadataRoundTrip(t *testing.T) {
	transferID := wire.NewTransferID()
	want := &BinaryTransferMetadata{
		Kind:       BinaryTransferImage,
		TransferID: transferID,
		TotalSize:  1000,
		ChunkSize:  MinChunkSize,
		ChunkCount: expectedChunkCount(1000, MinChunkSize),
		Mime:       "image/png",
		FileName:   "photo.png",
		Checksum:   bytes.Repeat([]byte{0xAB}, ChecksumSize),
	}
	enc, err := EncodeBinaryTransferMetadata(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeBinaryTransferMetadata(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != want.Kind || got.TransferID != want.TransferID || got.TotalSize != want.TotalSize ||
		got.ChunkSize != want.ChunkSize || got.ChunkCount != want.ChunkCount || got.Mime != want.Mime ||
		got.FileName != want.FileName || !bytes.Equal(got.Checksum, want.Checksum) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestBinaryTransferMetadataRejectsWrongChunkCount(t *testing.T) {
	_, err := EncodeBinaryTransferMetadata(&BinaryTransferMetadata{
		Kind:       BinaryTransferAudio,
		TransferID: wire.NewTransferID(),
		TotalSize:  1000,
		ChunkSize:  MinChunkSize,
		ChunkCount: 1, // wrong on purpose
		Mime:       "audio/wav",
	})
	if err == nil {
		t.Fatalf("expected mismatched chunkCount to be rejected")
	}
}

func TestBinaryTransferMetadataRejectsChunkSizeOutOfRange(t *testing.T) {
	_, err := EncodeBinaryTransferMetadata(&BinaryTransferMetadata{
		Kind:       BinaryTransferAudio,
		TransferID: wire.NewTransferID(),
		TotalSize:  10,
		ChunkSize:  MaxChunkSize + 1,
		ChunkCount: 1,
		Mime:       "audio/wav",
	})
	if err == nil {
		t.Fatalf("expected out-of-range chunkSize to be rejected")
	}
}

func TestBinaryTransferChunkRoundTrip(t *testing.T) {
	want := &BinaryTransferChunk{
		TransferID:     wire.NewTransferID(),
		SequenceNumber: 2,
		TotalChunks:    5,
		Payload:        []byte("chunk data"),
	}
	enc, err := EncodeBinaryTransferChunk(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeBinaryTransferChunk(enc, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransferID != want.TransferID || got.SequenceNumber != want.SequenceNumber ||
		got.TotalChunks != want.TotalChunks || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestBinaryTransferChunkRejectsSequenceAtOrAboveTotal(t *testing.T) {
	_, err := EncodeBinaryTransferChunk(&BinaryTransferChunk{
		TransferID:     wire.NewTransferID(),
		SequenceNumber: 3,
		TotalChunks:    3,
		Payload:        []byte("x"),
	})
	if err == nil {
		t.Fatalf("expected sequenceNumber == totalChunks to be rejected")
	}
}

func TestBinaryTransferChunkDecodeRejectsOversizeAgainstCallerLimit(t *testing.T) {
	chunk := &BinaryTransferChunk{
		TransferID:     wire.NewTransferID(),
		SequenceNumber: 0,
		TotalChunks:    1,
		Payload:        bytes.Repeat([]byte{1}, 256),
	}
	enc, err := EncodeBinaryTransferChunk(chunk)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeBinaryTransferChunk(enc, 128); err == nil {
		t.Fatalf("expected a caller-supplied maxChunkSize of 128 to reject a 256-byte chunk")
	}
}
