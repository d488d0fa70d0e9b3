package storage

import (
	"testing"

	"flashtransfer/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustInsertSession(t *testing.T, store *Store, id, code string, createdAt, expiresAt int64) {
	t.Helper()

	err := store.InsertSession(models.ShareSession{
		ID:                id,
		ShortCode:         code,
		Offer:             "offer-" + id,
		CreatedAt:         createdAt,
		ExpiresAt:         expiresAt,
		InitiatorDeviceID: "host-" + id,
	})
	if err != nil {
		t.Fatalf("insert session %q: %v", id, err)
	}
}
