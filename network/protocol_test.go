package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestControlFrameRoundTrip(t *testing.T) {
	frame, err := EncodeControl(TransferStart{
		Type:          TypeTransferStart,
		FileName:      "a.txt",
		FileSize:      1024,
		MimeType:      "text/plain",
		CorrelationID: "c1",
	})
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	if frame[0] != FrameControl {
		t.Fatalf("expected control tag, got 0x%02x", frame[0])
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	msgType, err := DecodeMessageType(decoded.Payload)
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeTransferStart {
		t.Fatalf("expected %q, got %q", TypeTransferStart, msgType)
	}

	var start TransferStart
	if err := json.Unmarshal(decoded.Payload, &start); err != nil {
		t.Fatalf("unmarshal transferStart failed: %v", err)
	}
	if start.FileSize != 1024 || start.CorrelationID != "c1" {
		t.Fatalf("unexpected transferStart: %+v", start)
	}
}

func TestChunkFrameRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 300)
	frame, err := EncodeChunk("transfer-1", data)
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}

	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Tag != FrameChunk || decoded.CorrelationID != "transfer-1" {
		t.Fatalf("unexpected chunk header: %+v", decoded)
	}
	if !bytes.Equal(decoded.Data, data) {
		t.Fatalf("chunk data mismatch")
	}
}

func TestChunkThatLooksLikeJSONStaysBinary(t *testing.T) {
	frame, err := EncodeChunk("c", []byte(`{"type":"chat","text":"hi"}`))
	if err != nil {
		t.Fatalf("EncodeChunk failed: %v", err)
	}
	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Tag != FrameChunk {
		t.Fatalf("expected chunk frame for JSON-looking bytes")
	}
}

func TestEncodeChunkRejectsOversizedPayload(t *testing.T) {
	if _, err := EncodeChunk("c", make([]byte, MaxFrameSize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeFrameRejectsMalformedInput(t *testing.T) {
	cases := [][]byte{
		nil,
		{FrameControl},
		{0x7f, 0x00},
		{FrameChunk, 0x00, 0x01},
		{FrameChunk, 0x05, 'a'},
	}
	for _, raw := range cases {
		if _, err := DecodeFrame(raw); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected ErrMalformedFrame for %v, got %v", raw, err)
		}
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"text":"hi"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
}
