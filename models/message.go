package models

const (
	SenderMe   = "me"
	SenderPeer = "peer"
)

const (
	MessageKindText = "text"
	MessageKindFile = "file"
)

// File transfer statuses attached to file messages.
const (
	FileStatusSending    = "sending"
	FileStatusSent       = "sent"
	FileStatusReceiving  = "receiving"
	FileStatusReceived   = "received"
	FileStatusDownloaded = "downloaded"
	FileStatusError      = "error"
)

// ChatMessage is one entry of a connection transcript.
type ChatMessage struct {
	ID         string          `json:"id"`
	Sender     string          `json:"sender"`
	Kind       string          `json:"kind"`
	Text       string          `json:"text,omitempty"`
	File       *FileDescriptor `json:"file,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	FileStatus string          `json:"fileStatus,omitempty"`
	Progress   int             `json:"progress,omitempty"`

	// LocalPath points at the assembled file on this device and is never persisted.
	LocalPath string `json:"-"`
}

// Persistable returns a copy safe to write to a transcript. A send that was
// still in flight when the transcript was written can never finish, so it is
// recorded as failed.
func (m ChatMessage) Persistable() ChatMessage {
	out := m
	out.LocalPath = ""
	if out.File != nil {
		file := *out.File
		out.File = &file
	}
	if out.FileStatus == FileStatusSending {
		out.FileStatus = FileStatusError
	}
	return out
}

// Restored returns m as loaded from a transcript. A transfer that was still
// in flight when the transcript was saved belonged to a dead connection and
// is reported as failed.
func (m ChatMessage) Restored() ChatMessage {
	if m.FileStatus == FileStatusSending || m.FileStatus == FileStatusReceiving {
		m.FileStatus = FileStatusError
	}
	return m
}

// Terminal reports whether the file status can no longer change.
func (m ChatMessage) Terminal() bool {
	switch m.FileStatus {
	case FileStatusSent, FileStatusReceived, FileStatusDownloaded, FileStatusError:
		return true
	default:
		return false
	}
}
