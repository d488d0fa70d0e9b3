package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"flashtransfer/models"
)

const (
	// MaxFrameSize is the maximum accepted frame size (1 MB).
	MaxFrameSize = 1024 * 1024
	// MaxMessageSize is the largest frame a data channel delivers as one
	// message (64 KiB).
	MaxMessageSize = 64 * 1024
	// maxCorrelationIDLength is bounded by the single length byte of a chunk frame.
	maxCorrelationIDLength = 255
	// DefaultChunkSize is the payload size of one file slice. A full slice
	// with the longest correlation id still fits in MaxMessageSize.
	DefaultChunkSize = MaxMessageSize - 2 - maxCorrelationIDLength
)

// Frame tags. Every frame on the data channel starts with one of these.
const (
	FrameControl byte = 0x01
	FrameChunk   byte = 0x02
)

const (
	TypeFileList         = "fileList"
	TypeFileRequest      = "fileRequest"
	TypeTransferStart    = "transferStart"
	TypeTransferComplete = "transferComplete"
	TypeChat             = "chat"
	TypeSystem           = "system"
)

// Advisory system actions.
const (
	ActionSessionEnded     = "session_ended"
	ActionTransferRejected = "transfer_rejected"
	ActionFileUnavailable  = "file_unavailable"
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedFrame indicates a frame that cannot be split into tag and payload.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrInvalidMessageType indicates the control message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the control message type.
type Envelope struct {
	Type string `json:"type"`
}

// FileList advertises the files a peer is willing to send on request.
type FileList struct {
	Type  string                  `json:"type"`
	Files []models.FileDescriptor `json:"files"`
}

// FileRequest asks the peer to send one offered file.
type FileRequest struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
}

// TransferStart opens a transfer record on the receiver.
type TransferStart struct {
	Type          string `json:"type"`
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	MimeType      string `json:"mimeType"`
	CorrelationID string `json:"correlationId"`
}

// TransferComplete closes the open transfer record.
type TransferComplete struct {
	Type          string `json:"type"`
	FileName      string `json:"fileName"`
	CorrelationID string `json:"correlationId"`
}

// ChatText carries one chat line.
type ChatText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SystemNotice is an advisory message; receivers may ignore unknown actions.
type SystemNotice struct {
	Type          string `json:"type"`
	Action        string `json:"action"`
	CorrelationID string `json:"correlationId,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Frame is a decoded data channel frame. Control frames carry Payload;
// chunk frames carry CorrelationID and Data.
type Frame struct {
	Tag           byte
	Payload       []byte
	CorrelationID string
	Data          []byte
}

// EncodeControl marshals a control message into a tagged frame.
func EncodeControl(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	if len(payload)+1 > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, FrameControl)
	return append(frame, payload...), nil
}

// EncodeChunk builds a chunk frame: [tag][idLen][correlationID][data].
func EncodeChunk(correlationID string, data []byte) ([]byte, error) {
	if correlationID == "" || len(correlationID) > maxCorrelationIDLength {
		return nil, fmt.Errorf("%w: correlation id length %d", ErrMalformedFrame, len(correlationID))
	}
	size := 2 + len(correlationID) + len(data)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 0, size)
	frame = append(frame, FrameChunk, byte(len(correlationID)))
	frame = append(frame, correlationID...)
	return append(frame, data...), nil
}

// DecodeFrame splits a raw frame by its tag.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if len(raw) < 2 {
		return Frame{}, ErrMalformedFrame
	}

	switch raw[0] {
	case FrameControl:
		return Frame{Tag: FrameControl, Payload: raw[1:]}, nil
	case FrameChunk:
		idLen := int(raw[1])
		if idLen == 0 || len(raw) < 2+idLen {
			return Frame{}, ErrMalformedFrame
		}
		return Frame{
			Tag:           FrameChunk,
			CorrelationID: string(raw[2 : 2+idLen]),
			Data:          raw[2+idLen:],
		}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedFrame, raw[0])
	}
}

// DecodeMessageType extracts the "type" field from a control payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}
