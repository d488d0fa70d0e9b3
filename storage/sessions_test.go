package storage

import (
	"errors"
	"sync"
	"testing"

	"flashtransfer/models"
)

func TestInsertSessionRejectsActiveCodeCollision(t *testing.T) {
	store := newTestStore(t)
	mustInsertSession(t, store, "s1", "abcde", 1000, 5000)

	err := store.InsertSession(models.ShareSession{
		ID:        "s2",
		ShortCode: "abcde",
		Offer:     "offer",
		CreatedAt: 2000,
		ExpiresAt: 9000,
	})
	if !errors.Is(err, ErrCodeCollision) {
		t.Fatalf("expected ErrCodeCollision, got %v", err)
	}
	if _, err := store.GetSession("s2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected collided session not to be stored, got %v", err)
	}
}

func TestInsertSessionReusesExpiredCode(t *testing.T) {
	store := newTestStore(t)
	mustInsertSession(t, store, "old", "abcde", 1000, 2000)
	mustInsertSession(t, store, "new", "abcde", 3000, 9000)

	got, err := store.GetSessionByCode("abcde")
	if err != nil {
		t.Fatalf("GetSessionByCode failed: %v", err)
	}
	if got.ID != "new" {
		t.Fatalf("expected newest session, got %q", got.ID)
	}
}

func TestInsertSessionConcurrentSameCodeOnlyOneWins(t *testing.T) {
	store := newTestStore(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.InsertSession(models.ShareSession{
				ID:        "s" + string(rune('a'+i)),
				ShortCode: "zzzzz",
				Offer:     "offer",
				CreatedAt: 1000,
				ExpiresAt: 9000,
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", successes)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSessionByCode("qqqqq"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound by code, got %v", err)
	}
}

func TestSetAnswerAndUpdateOfferClearsAnswer(t *testing.T) {
	store := newTestStore(t)
	mustInsertSession(t, store, "s1", "abcde", 1000, 5000)

	if err := store.SetAnswer("s1", "answer-1", 1500); err != nil {
		t.Fatalf("SetAnswer failed: %v", err)
	}
	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Answer != "answer-1" || got.LastActivityAt != 1500 {
		t.Fatalf("unexpected session after answer: %+v", got)
	}

	if err := store.UpdateOffer("s1", "offer-2", 90000, 2000); err != nil {
		t.Fatalf("UpdateOffer failed: %v", err)
	}
	got, err = store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Offer != "offer-2" || got.Answer != "" || got.ExpiresAt != 90000 {
		t.Fatalf("unexpected session after resume: %+v", got)
	}

	if err := store.SetAnswer("missing", "x", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing answer target, got %v", err)
	}
}

func TestLockJoinerSetsOnce(t *testing.T) {
	store := newTestStore(t)
	mustInsertSession(t, store, "s1", "abcde", 1000, 5000)

	locked, err := store.LockJoiner("s1", "joiner-a", 2000, 7000)
	if err != nil {
		t.Fatalf("LockJoiner failed: %v", err)
	}
	if !locked {
		t.Fatalf("expected first lock to succeed")
	}

	locked, err = store.LockJoiner("s1", "joiner-b", 3000, 8000)
	if err != nil {
		t.Fatalf("second LockJoiner failed: %v", err)
	}
	if locked {
		t.Fatalf("expected second lock to be refused")
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.JoinerDeviceID != "joiner-a" || got.LockedAt != 2000 || got.ReusableUntil != 7000 {
		t.Fatalf("unexpected lock fields: %+v", got)
	}
}

func TestDeleteExpiredSessionsHonoursReuseWindow(t *testing.T) {
	store := newTestStore(t)
	mustInsertSession(t, store, "expired", "aaaaa", 1000, 2000)
	mustInsertSession(t, store, "reused", "bbbbb", 1000, 2000)
	mustInsertSession(t, store, "live", "ccccc", 1000, 9000)
	if _, err := store.LockJoiner("reused", "joiner", 1500, 8000); err != nil {
		t.Fatalf("LockJoiner failed: %v", err)
	}

	deleted, err := store.DeleteExpiredSessions(5000)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted session, got %d", deleted)
	}

	deleted, err = store.DeleteExpiredSessions(5000)
	if err != nil {
		t.Fatalf("second DeleteExpiredSessions failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected idempotent cleanup, got %d", deleted)
	}

	if _, err := store.GetSession("reused"); err != nil {
		t.Fatalf("expected reused session to survive: %v", err)
	}
}
