package network

import (
	"testing"

	"flashtransfer/models"
)

func TestCategorizeFileType(t *testing.T) {
	cases := map[string]string{
		"":                              CategoryOther,
		"image/png":                     CategoryImage,
		"video/mp4":                     CategoryVideo,
		"audio/mpeg":                    CategoryAudio,
		"text/plain":                    CategoryDocument,
		"application/pdf":               CategoryPDF,
		"application/msword":            CategoryDocument,
		"application/vnd.ms-excel":      CategorySpreadsheet,
		"application/vnd.ms-powerpoint": CategoryPresentation,
		"application/zip":               CategoryArchive,
		"application/x-7z-compressed":   CategoryArchive,
		"application/octet-stream":      CategoryOther,
		" IMAGE/JPEG ":                  CategoryImage,
	}
	for mimeType, want := range cases {
		if got := CategorizeFileType(mimeType); got != want {
			t.Fatalf("CategorizeFileType(%q) = %q, want %q", mimeType, got, want)
		}
	}
}

func TestSessionStatsUpdateMode(t *testing.T) {
	var stats SessionStats
	if !stats.Empty() {
		t.Fatalf("expected empty stats")
	}

	stats.record(models.FileDescriptor{Name: "a.png", Size: 10, MimeType: "image/png"}, true)
	if update := stats.Update(); update.TransferMode != models.StatsModeP2P || update.FilesTransferred != 1 {
		t.Fatalf("unexpected one-way update: %+v", update)
	}

	stats.record(models.FileDescriptor{Name: "b.zip", Size: 5, MimeType: "application/zip"}, false)
	update := stats.Update()
	if update.TransferMode != models.StatsModeBidirectional {
		t.Fatalf("expected bidirectional, got %q", update.TransferMode)
	}
	if update.BytesTransferred != 15 || update.FileTypes[CategoryImage] != 1 || update.FileTypes[CategoryArchive] != 1 {
		t.Fatalf("unexpected update: %+v", update)
	}

	update.FileTypes[CategoryImage] = 99
	if stats.FileTypes[CategoryImage] != 1 {
		t.Fatalf("update shares the stats map")
	}
}
