package network

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"flashtransfer/codec"
	"flashtransfer/models"
	"flashtransfer/storage"
)

func TestCreateAndJoinReachConnectedWithMatchingSession(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})

	code := connectPair(t, host, joiner)

	if host.manager.SessionID() == "" || host.manager.SessionID() != joiner.manager.SessionID() {
		t.Fatalf("session ids differ: host=%q joiner=%q", host.manager.SessionID(), joiner.manager.SessionID())
	}
	if joiner.manager.Code() != code || host.manager.Code() != code {
		t.Fatalf("codes differ: host=%q joiner=%q want %q", host.manager.Code(), joiner.manager.Code(), code)
	}
	if host.manager.Session() == nil || joiner.manager.Session() == nil {
		t.Fatalf("expected transfer sessions on both sides")
	}

	hostPtr, err := host.store.LoadSessionPointer(time.Now(), 0)
	if err != nil {
		t.Fatalf("LoadSessionPointer host failed: %v", err)
	}
	if hostPtr.Role != models.RoleInitiator || hostPtr.SessionID != host.manager.SessionID() || hostPtr.Code != code {
		t.Fatalf("unexpected host pointer: %+v", hostPtr)
	}
	joinerPtr, err := joiner.store.LoadSessionPointer(time.Now(), 0)
	if err != nil {
		t.Fatalf("LoadSessionPointer joiner failed: %v", err)
	}
	if joinerPtr.Role != models.RoleJoiner || joinerPtr.SessionID != "" || joinerPtr.Code != code {
		t.Fatalf("unexpected joiner pointer: %+v", joinerPtr)
	}

	for name, store := range map[string]*storage.Store{"host": host.store, "joiner": joiner.store} {
		history, err := store.ListConnections(time.Now(), 0)
		if err != nil {
			t.Fatalf("ListConnections %s failed: %v", name, err)
		}
		if len(history) != 1 || history[0].Code != code {
			t.Fatalf("unexpected %s history: %+v", name, history)
		}
	}
}

func TestJoinRejectsMalformedCode(t *testing.T) {
	relay := newTestRelay(t)
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})

	for _, code := range []string{"", "abc", "abcdef", "ab!de"} {
		if err := joiner.manager.JoinConnection(context.Background(), code); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("JoinConnection(%q): expected ErrInvalidCode, got %v", code, err)
		}
	}
	if joiner.manager.State() != StateIdle {
		t.Fatalf("expected idle after rejected codes, got %q", joiner.manager.State())
	}
}

func TestJoinUnknownCodeReportsNotFound(t *testing.T) {
	relay := newTestRelay(t)
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})

	err := joiner.manager.JoinConnection(context.Background(), "zzzzz")
	if !errors.Is(err, ErrCodeNotFound) || !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if joiner.manager.State() != StateIdle {
		t.Fatalf("expected idle, got %q", joiner.manager.State())
	}
}

func TestThirdDeviceIsForbidden(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	intruder := newTestManager(t, relay, testManagerConfig{deviceID: "intruder"})

	code := connectPair(t, host, joiner)

	if err := intruder.manager.JoinConnection(context.Background(), code); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if host.manager.State() != StateConnected || joiner.manager.State() != StateConnected {
		t.Fatalf("forbidden join disturbed the connection")
	}
}

func TestCreateConnectionRetriesCodeCollision(t *testing.T) {
	relay := newTestRelay(t)
	first := newTestManager(t, relay, testManagerConfig{
		deviceID: "first",
		generate: func() (string, error) { return "aaaaa", nil },
	})

	var calls atomic.Int32
	second := newTestManager(t, relay, testManagerConfig{
		deviceID: "second",
		generate: func() (string, error) {
			if calls.Add(1) == 1 {
				return "aaaaa", nil
			}
			return "bbbbb", nil
		},
	})

	firstCode, err := first.manager.CreateConnection(context.Background())
	if err != nil {
		t.Fatalf("CreateConnection first failed: %v", err)
	}
	secondCode, err := second.manager.CreateConnection(context.Background())
	if err != nil {
		t.Fatalf("CreateConnection second failed: %v", err)
	}

	wantFirst, _ := codec.Obfuscate("aaaaa")
	wantSecond, _ := codec.Obfuscate("bbbbb")
	if firstCode != wantFirst || secondCode != wantSecond {
		t.Fatalf("unexpected codes: first=%q second=%q", firstCode, secondCode)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 code generations, got %d", calls.Load())
	}
	if second.manager.State() != StateCreating {
		t.Fatalf("expected creating, got %q", second.manager.State())
	}
}

func TestCreateConnectionGivesUpAfterRepeatedCollisions(t *testing.T) {
	relay := newTestRelay(t)
	fixed := func() (string, error) { return "ccccc", nil }
	first := newTestManager(t, relay, testManagerConfig{deviceID: "first", generate: fixed})
	second := newTestManager(t, relay, testManagerConfig{deviceID: "second", generate: fixed})

	if _, err := first.manager.CreateConnection(context.Background()); err != nil {
		t.Fatalf("CreateConnection first failed: %v", err)
	}
	if _, err := second.manager.CreateConnection(context.Background()); !errors.Is(err, models.ErrCodeCollision) {
		t.Fatalf("expected ErrCodeCollision, got %v", err)
	}
	if second.manager.State() != StateIdle {
		t.Fatalf("expected idle after failed create, got %q", second.manager.State())
	}
}

func TestJoinerReportsHostLostWithoutResuming(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	connectPair(t, host, joiner)

	if severed := relay.transport.Sever(); severed != 1 {
		t.Fatalf("expected 1 severed link, got %d", severed)
	}

	waitForErrorIs(t, joiner.manager.Errors(), ErrHostLost, testTimeout)
	waitForState(t, joiner.manager, StateDisconnected, testTimeout)
	if joiner.manager.Session() != nil {
		t.Fatalf("expected joiner session to be released")
	}
}

func TestHostResumesAndJoinerRejoins(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	code := connectPair(t, host, joiner)
	sessionID := host.manager.SessionID()

	relay.transport.Sever()
	waitForState(t, joiner.manager, StateDisconnected, testTimeout)
	waitForState(t, host.manager, StateResuming, testTimeout)

	rejoinUntilConnected(t, joiner, code)
	waitForState(t, host.manager, StateConnected, testTimeout)

	if host.manager.SessionID() != sessionID || joiner.manager.SessionID() != sessionID {
		t.Fatalf("resume changed session id: host=%q joiner=%q want %q", host.manager.SessionID(), joiner.manager.SessionID(), sessionID)
	}
	if host.manager.Code() != code {
		t.Fatalf("resume changed code: %q", host.manager.Code())
	}
}

func TestHostResumesAgainWhenRepublishedLinkFailsBeforeOpening(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	code := connectPair(t, host, joiner)
	sessionID := host.manager.SessionID()

	relay.transport.Sever()
	waitForState(t, joiner.manager, StateDisconnected, testTimeout)
	waitForState(t, host.manager, StateResuming, testTimeout)

	failPendingOffer(t, relay.transport)
	failPendingOffer(t, relay.transport)

	rejoinUntilConnected(t, joiner, code)
	waitForState(t, host.manager, StateConnected, testTimeout)
	if host.manager.SessionID() != sessionID {
		t.Fatalf("resume changed session id: %q want %q", host.manager.SessionID(), sessionID)
	}
}

func TestFailedRepublishesCountTowardsResumeLimit(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host", maxAttempts: 2})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	connectPair(t, host, joiner)

	relay.transport.Sever()
	failPendingOffer(t, relay.transport)
	failPendingOffer(t, relay.transport)

	waitForErrorIs(t, host.manager.Errors(), ErrResumeExhausted, testTimeout)
	waitForState(t, host.manager, StateDisconnected, testTimeout)
}

func TestResumeExhaustionDisconnects(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{
		deviceID:    "host",
		signaler:    &failingResumeSignaler{Signaler: relay.signaler},
		maxAttempts: 2,
	})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	connectPair(t, host, joiner)

	relay.transport.Sever()

	waitForErrorIs(t, host.manager.Errors(), ErrResumeExhausted, testTimeout)
	waitForState(t, host.manager, StateDisconnected, testTimeout)
}

func TestDisconnectClearsPointerAndNotifiesPeer(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	connectPair(t, host, joiner)
	joinerSession := joiner.manager.Session()

	host.manager.Disconnect()

	if host.manager.State() != StateIdle {
		t.Fatalf("expected idle, got %q", host.manager.State())
	}
	if _, err := host.store.LoadSessionPointer(time.Now(), 0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected pointer cleared, got %v", err)
	}
	waitForState(t, joiner.manager, StateDisconnected, testTimeout)
	if !joinerSession.PeerLeft() {
		t.Fatalf("expected joiner to see the host leave")
	}
}

func TestRotateSessionRequiresHostAndIssuesNewCode(t *testing.T) {
	relay := newTestRelay(t)
	host := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	code := connectPair(t, host, joiner)
	joinerSession := joiner.manager.Session()

	if _, err := joiner.manager.RotateSession(context.Background()); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	rotated, err := host.manager.RotateSession(context.Background())
	if err != nil {
		t.Fatalf("RotateSession failed: %v", err)
	}
	if rotated == code {
		t.Fatalf("expected a new code after rotation")
	}
	if host.manager.State() != StateCreating {
		t.Fatalf("expected creating after rotation, got %q", host.manager.State())
	}
	waitForState(t, joiner.manager, StateDisconnected, testTimeout)
	if !joinerSession.PeerLeft() {
		t.Fatalf("expected joiner to be told the session ended")
	}
}

func TestResumeFromSavedPointer(t *testing.T) {
	relay := newTestRelay(t)
	first := newTestManager(t, relay, testManagerConfig{deviceID: "host"})
	code, err := first.manager.CreateConnection(context.Background())
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	sessionID := first.manager.SessionID()
	first.manager.Stop()

	restarted := newTestManager(t, relay, testManagerConfig{deviceID: "host", store: first.store})
	outcome, err := restarted.manager.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !outcome.Resumed || outcome.Role != models.RoleInitiator || outcome.Code != code {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	joiner := newTestManager(t, relay, testManagerConfig{deviceID: "joiner"})
	rejoinUntilConnected(t, joiner, code)
	waitForState(t, restarted.manager, StateConnected, testTimeout)
	if restarted.manager.SessionID() != sessionID {
		t.Fatalf("expected session %q, got %q", sessionID, restarted.manager.SessionID())
	}

	joinerOutcome, err := joiner.manager.Resume(context.Background())
	if err != nil {
		t.Fatalf("joiner Resume failed: %v", err)
	}
	if joinerOutcome.Resumed || joinerOutcome.Role != models.RoleJoiner || joinerOutcome.Code != code {
		t.Fatalf("unexpected joiner outcome: %+v", joinerOutcome)
	}
}

func TestResumeWithoutPointerIsNoop(t *testing.T) {
	relay := newTestRelay(t)
	m := newTestManager(t, relay, testManagerConfig{deviceID: "host"})

	outcome, err := m.manager.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if outcome != (ResumeOutcome{}) || m.manager.State() != StateIdle {
		t.Fatalf("unexpected outcome %+v in state %q", outcome, m.manager.State())
	}
}

func TestStaleEndpointCallbacksAreIgnored(t *testing.T) {
	relay := newTestRelay(t)
	m := newTestManager(t, relay, testManagerConfig{deviceID: "host"})

	if _, err := m.manager.CreateConnection(context.Background()); err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	m.manager.mu.Lock()
	staleEpoch := m.manager.epoch
	m.manager.mu.Unlock()

	m.manager.release()
	m.manager.handleOpen(staleEpoch)
	m.manager.handleClose(staleEpoch, errors.New("late close"))

	if m.manager.Session() != nil {
		t.Fatalf("stale open created a session")
	}
	if m.manager.State() == StateConnected || m.manager.State() == StateResuming {
		t.Fatalf("stale callback changed state to %q", m.manager.State())
	}
}

func TestBackoffForAttemptClampsToLastEntry(t *testing.T) {
	m := &Manager{options: ManagerOptions{ReconnectBackoff: defaultReconnectBackoff}}
	cases := map[int]time.Duration{
		0: 0,
		1: 2 * time.Second,
		3: 15 * time.Second,
		9: 15 * time.Second,
	}
	for attempt, want := range cases {
		if got := m.backoffForAttempt(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(ManagerOptions{}); err == nil {
		t.Fatalf("expected error without device id")
	}
	if _, err := NewManager(ManagerOptions{DeviceID: "d"}); err == nil {
		t.Fatalf("expected error without signaler")
	}
}

// rejoinUntilConnected retries a join until the host has republished its offer.
func rejoinUntilConnected(t *testing.T, joiner *testManager, code string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = joiner.manager.JoinConnection(context.Background(), code)
		if lastErr == nil {
			waitForState(t, joiner.manager, StateConnected, testTimeout)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("rejoin never succeeded: %v", lastErr)
}

// failPendingOffer waits for a republished offer and fails its endpoint
// before any answer arrives.
func failPendingOffer(t *testing.T, transport *MemoryTransport) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if transport.FailPending() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no republished offer to fail")
}

type failingResumeSignaler struct {
	Signaler
}

func (s *failingResumeSignaler) ResumeOffer(ctx context.Context, sessionID, offer string) error {
	return models.ErrUnavailable
}
