package network

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"flashtransfer/models"
	"flashtransfer/signaling"
	"flashtransfer/storage"
)

const testTimeout = 5 * time.Second

type testRelay struct {
	exchange  *signaling.Exchange
	signaler  *signaling.Local
	transport *MemoryTransport
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	exchange, err := signaling.NewExchange(signaling.ExchangeOptions{
		Store:  store,
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewExchange failed: %v", err)
	}
	return &testRelay{
		exchange:  exchange,
		signaler:  signaling.NewLocal(exchange),
		transport: NewMemoryTransport(),
	}
}

type testManager struct {
	manager  *Manager
	store    *storage.Store
	download string
	progress *progressLog
}

type testManagerConfig struct {
	deviceID     string
	store        *storage.Store
	signaler     Signaler
	generate     func() (string, error)
	maxAttempts  int
	onConnection func(*Session)
}

func newTestManager(t *testing.T, relay *testRelay, cfg testManagerConfig) *testManager {
	t.Helper()

	store := cfg.store
	if store == nil {
		var err error
		store, err = storage.OpenPath(filepath.Join(t.TempDir(), cfg.deviceID+".db"))
		if err != nil {
			t.Fatalf("open store %s: %v", cfg.deviceID, err)
		}
		t.Cleanup(func() {
			_ = store.Close()
		})
	}

	signaler := cfg.signaler
	if signaler == nil {
		signaler = relay.signaler
	}

	download := filepath.Join(t.TempDir(), cfg.deviceID+"-downloads")
	progress := &progressLog{}
	manager, err := NewManager(ManagerOptions{
		DeviceID:          cfg.deviceID,
		Signaler:          signaler,
		Transport:         relay.transport,
		Pointers:          store,
		History:           store,
		Transcripts:       store,
		ReconnectBackoff:  []time.Duration{0},
		MaxResumeAttempts: cfg.maxAttempts,
		GenerateCode:      cfg.generate,
		OnConnected:       cfg.onConnection,
		Session: SessionOptions{
			DownloadDir: download,
			OnProgress:  progress.add,
		},
		Logger: zaptest.NewLogger(t).Named(cfg.deviceID),
	})
	if err != nil {
		t.Fatalf("NewManager %s failed: %v", cfg.deviceID, err)
	}
	t.Cleanup(manager.Stop)

	return &testManager{manager: manager, store: store, download: download, progress: progress}
}

// connectPair creates a connection on host and joins it from joiner.
func connectPair(t *testing.T, host, joiner *testManager) string {
	t.Helper()

	code, err := host.manager.CreateConnection(context.Background())
	if err != nil {
		t.Fatalf("CreateConnection failed: %v", err)
	}
	if err := joiner.manager.JoinConnection(context.Background(), code); err != nil {
		t.Fatalf("JoinConnection failed: %v", err)
	}
	waitForState(t, host.manager, StateConnected, testTimeout)
	waitForState(t, joiner.manager, StateConnected, testTimeout)
	return code
}

type progressLog struct {
	mu     sync.Mutex
	events []FileProgress
}

func (p *progressLog) add(progress FileProgress) {
	p.mu.Lock()
	p.events = append(p.events, progress)
	p.mu.Unlock()
}

func (p *progressLog) forMessage(messageID string) []FileProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []FileProgress
	for _, event := range p.events {
		if event.MessageID == messageID {
			out = append(out, event)
		}
	}
	return out
}

func waitForState(t *testing.T, manager *Manager, expected State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if manager.State() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state=%q, final=%q", expected, manager.State())
}

func waitForMessage(t *testing.T, session *Session, match func(models.ChatMessage) bool, timeout time.Duration) models.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, msg := range session.Messages() {
			if match(msg) {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for message, transcript=%+v", session.Messages())
	return models.ChatMessage{}
}

func waitForFileStatus(t *testing.T, session *Session, sender, name, status string, timeout time.Duration) models.ChatMessage {
	t.Helper()
	return waitForMessage(t, session, func(msg models.ChatMessage) bool {
		return msg.Sender == sender && msg.File != nil && msg.File.Name == name && msg.FileStatus == status
	}, timeout)
}

func waitForErrorIs(t *testing.T, errs <-chan error, target error, timeout time.Duration) error {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case err := <-errs:
			if errors.Is(err, target) {
				return err
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for error %v", target)
			return nil
		}
	}
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	return path
}
