package network

import (
	"strings"

	"flashtransfer/models"
)

// File type categories reported to the relay's analytics.
const (
	CategoryImage        = "image"
	CategoryVideo        = "video"
	CategoryAudio        = "audio"
	CategoryDocument     = "document"
	CategoryPDF          = "pdf"
	CategorySpreadsheet  = "spreadsheet"
	CategoryPresentation = "presentation"
	CategoryArchive      = "archive"
	CategoryOther        = "other"
)

// CategorizeFileType maps a MIME type to a coarse category.
func CategorizeFileType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case mimeType == "":
		return CategoryOther
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mimeType, "text/"):
		return CategoryDocument
	case strings.Contains(mimeType, "pdf"):
		return CategoryPDF
	case strings.Contains(mimeType, "word"), strings.Contains(mimeType, "document"):
		return CategoryDocument
	case strings.Contains(mimeType, "sheet"), strings.Contains(mimeType, "excel"):
		return CategorySpreadsheet
	case strings.Contains(mimeType, "presentation"), strings.Contains(mimeType, "powerpoint"):
		return CategoryPresentation
	case strings.Contains(mimeType, "zip"), strings.Contains(mimeType, "rar"),
		strings.Contains(mimeType, "7z"), strings.Contains(mimeType, "tar"):
		return CategoryArchive
	default:
		return CategoryOther
	}
}

// SessionStats counts what one connection moved in each direction.
type SessionStats struct {
	StartedAt     int64            `json:"startedAt"`
	FilesSent     int64            `json:"filesSent"`
	FilesReceived int64            `json:"filesReceived"`
	BytesSent     int64            `json:"bytesSent"`
	BytesReceived int64            `json:"bytesReceived"`
	FileTypes     map[string]int64 `json:"fileTypes"`
}

func (s *SessionStats) record(file models.FileDescriptor, sent bool) {
	if s.FileTypes == nil {
		s.FileTypes = make(map[string]int64)
	}
	if sent {
		s.FilesSent++
		s.BytesSent += file.Size
	} else {
		s.FilesReceived++
		s.BytesReceived += file.Size
	}
	s.FileTypes[CategorizeFileType(file.MimeType)]++
}

func (s SessionStats) clone() SessionStats {
	out := s
	out.FileTypes = make(map[string]int64, len(s.FileTypes))
	for k, v := range s.FileTypes {
		out.FileTypes[k] = v
	}
	return out
}

// Update converts the session totals into a relay stats report. A session
// that moved files both ways is reported as bidirectional.
func (s SessionStats) Update() models.StatsUpdate {
	mode := models.StatsModeP2P
	if s.FilesSent > 0 && s.FilesReceived > 0 {
		mode = models.StatsModeBidirectional
	}
	types := make(map[string]int64, len(s.FileTypes))
	for k, v := range s.FileTypes {
		types[k] = v
	}
	return models.StatsUpdate{
		FilesTransferred: s.FilesSent + s.FilesReceived,
		BytesTransferred: s.BytesSent + s.BytesReceived,
		FileTypes:        types,
		TransferMode:     mode,
	}
}

// Empty reports whether no file moved during the session.
func (s SessionStats) Empty() bool {
	return s.FilesSent == 0 && s.FilesReceived == 0
}
