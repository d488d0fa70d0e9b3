package models

// FileDescriptor describes a file offered over a connection. It never implies
// the receiver holds the bytes.
type FileDescriptor struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}
