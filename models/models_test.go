package models

import (
	"fmt"
	"testing"
	"time"
)

func TestShareSessionDeadlineUsesLaterWindow(t *testing.T) {
	s := ShareSession{ExpiresAt: 1000}
	if s.Deadline() != 1000 {
		t.Fatalf("expected deadline 1000, got %d", s.Deadline())
	}
	s.ReusableUntil = 5000
	if s.Deadline() != 5000 {
		t.Fatalf("expected deadline 5000, got %d", s.Deadline())
	}
	if s.Expired(time.UnixMilli(4999)) {
		t.Fatalf("expected session alive before reuse window ends")
	}
	if !s.Expired(time.UnixMilli(5000)) {
		t.Fatalf("expected session expired at deadline")
	}
}

func TestPersistableStripsTransientFields(t *testing.T) {
	msg := ChatMessage{
		ID:         "m1",
		Kind:       MessageKindFile,
		File:       &FileDescriptor{Name: "a.txt", Size: 3},
		FileStatus: FileStatusSending,
		LocalPath:  "/tmp/a.txt",
	}
	out := msg.Persistable()
	if out.LocalPath != "" {
		t.Fatalf("expected local path stripped, got %q", out.LocalPath)
	}
	if out.FileStatus != FileStatusError {
		t.Fatalf("expected sending to become error, got %q", out.FileStatus)
	}
	out.File.Name = "b.txt"
	if msg.File.Name != "a.txt" {
		t.Fatalf("expected persistable copy not to alias file descriptor")
	}
}

func TestRestoredFailsInFlightTransfers(t *testing.T) {
	for status, want := range map[string]string{
		FileStatusSending:    FileStatusError,
		FileStatusReceiving:  FileStatusError,
		FileStatusReceived:   FileStatusReceived,
		FileStatusDownloaded: FileStatusDownloaded,
	} {
		msg := ChatMessage{ID: "m1", Kind: MessageKindFile, File: &FileDescriptor{Name: "a.txt"}, FileStatus: status}
		if got := msg.Restored().FileStatus; got != want {
			t.Fatalf("restored %q: expected %q, got %q", status, want, got)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("publish: %w", ErrRateLimited)) {
		t.Fatalf("expected wrapped rate limit to be retryable")
	}
	if Retryable(ErrForbidden) {
		t.Fatalf("expected forbidden not to be retryable")
	}
}
