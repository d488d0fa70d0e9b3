package signaling

import (
	"fmt"

	"flashtransfer/models"
)

// Bounds applied to client transfer reports.
const (
	MaxReportedFiles     = 100_000
	MaxReportedBytes     = int64(1) << 40
	MaxReportedFileTypes = 32
	maxFileTypeKeyLen    = 32
)

// ValidateStatsUpdate rejects reports with negative, oversized, or unknown values.
func ValidateStatsUpdate(update models.StatsUpdate) error {
	if update.FilesTransferred < 0 || update.FilesTransferred > MaxReportedFiles {
		return fmt.Errorf("%w: filesTransferred out of range", models.ErrInvalidInput)
	}
	if update.BytesTransferred < 0 || update.BytesTransferred > MaxReportedBytes {
		return fmt.Errorf("%w: bytesTransferred out of range", models.ErrInvalidInput)
	}
	if len(update.FileTypes) > MaxReportedFileTypes {
		return fmt.Errorf("%w: too many file types", models.ErrInvalidInput)
	}
	for kind, count := range update.FileTypes {
		if kind == "" || len(kind) > maxFileTypeKeyLen {
			return fmt.Errorf("%w: invalid file type key", models.ErrInvalidInput)
		}
		if count < 0 || count > MaxReportedFiles {
			return fmt.Errorf("%w: file type count out of range", models.ErrInvalidInput)
		}
	}
	switch update.TransferMode {
	case models.StatsModeP2P, models.StatsModeBroadcast, models.StatsModeBidirectional:
	default:
		return fmt.Errorf("%w: unknown transferMode %q", models.ErrInvalidInput, update.TransferMode)
	}
	return nil
}
