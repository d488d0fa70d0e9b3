package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flashtransfer/config"
	"flashtransfer/discovery"
	"flashtransfer/models"
	"flashtransfer/network"
	"flashtransfer/signaling"
	"flashtransfer/storage"
)

var errNoRelay = errors.New("no relay found on the local network")

type relayLookupFunc func(ctx context.Context) ([]discovery.Relay, error)

func lookupRelays(ctx context.Context) ([]discovery.Relay, error) {
	return discovery.Lookup(ctx, discovery.Config{})
}

// resolveRelayURL picks the relay from the --relay flag, then LAN discovery,
// then the saved config.
func resolveRelayURL(ctx context.Context, flagValue string, useDiscovery bool, cfg *config.DeviceConfig, lookup relayLookupFunc) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if useDiscovery {
		relays, err := lookup(ctx)
		if err != nil {
			return "", fmt.Errorf("discover relay: %w", err)
		}
		if len(relays) == 0 {
			return "", errNoRelay
		}
		return relays[0].URL, nil
	}
	return cfg.RelayURL, nil
}

// clientEnv holds everything a client command needs.
type clientEnv struct {
	cfg      *config.DeviceConfig
	store    *storage.Store
	signaler *signaling.Client
	logger   *zap.Logger
}

func openClient(cmd *cobra.Command) (*clientEnv, error) {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(zap.WarnLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	baseURL, err := resolveRelayURL(cmd.Context(), relayURL, discover, cfg, lookupRelays)
	if err != nil {
		return nil, err
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}

	signaler, err := signaling.NewClient(signaling.ClientOptions{
		BaseURL: baseURL,
		Logger:  logger.Named("signaling"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Debug("client ready",
		zap.String("device_id", cfg.DeviceID),
		zap.String("relay", baseURL),
		zap.String("data_dir", dataDir))
	return &clientEnv{cfg: cfg, store: store, signaler: signaler, logger: logger}, nil
}

func (e *clientEnv) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("database close error", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// newManager wires a connection manager to the WebRTC transport and the
// local store, forwarding session events to tracker and view.
func (e *clientEnv) newManager(tracker *fileTracker, view reporter) (*network.Manager, error) {
	return network.NewManager(network.ManagerOptions{
		DeviceID:    e.cfg.DeviceID,
		Signaler:    e.signaler,
		Transport:   network.NewWebRTCTransport(network.WebRTCOptions{ICEServers: e.cfg.ICEServers, Logger: e.logger.Named("webrtc")}),
		Pointers:    e.store,
		History:     e.store,
		Transcripts: e.store,
		Session: network.SessionOptions{
			DownloadDir: e.cfg.DownloadDir,
			OnMessage: func(msg models.ChatMessage) {
				tracker.observe(msg)
				if msg.Kind == models.MessageKindText && msg.Sender == models.SenderPeer {
					view.Status("peer: %s", msg.Text)
				}
			},
			OnProgress: view.Progress,
			OnFilesOffered: func(files []models.FileDescriptor) {
				tracker.offered(files)
				for _, file := range files {
					view.Status("offered: %s (%d bytes)", file.Name, file.Size)
				}
			},
			OnPeerLeft: func() {
				tracker.peerLeft()
				view.Status("peer left the session")
			},
			Logger: e.logger.Named("session"),
		},
		OnStateChange: func(state network.State) {
			view.Status("connection %s", state)
			tracker.stateChanged(state)
		},
		Logger: e.logger.Named("manager"),
	})
}

// submitStats reports session totals to the relay. Failures are logged only.
func (e *clientEnv) submitStats(ctx context.Context, session *network.Session) {
	if session == nil {
		return
	}
	stats := session.Stats()
	if stats.Empty() {
		return
	}
	if err := e.signaler.SubmitStats(ctx, stats.Update()); err != nil {
		e.logger.Warn("submit transfer stats failed", zap.Error(err))
	}
}

// fileTracker collects session events the commands block on.
type fileTracker struct {
	mu       sync.Mutex
	changed  chan struct{}
	messages map[string]models.ChatMessage
	files    []models.FileDescriptor
	left     bool
	state    network.State
}

func newFileTracker() *fileTracker {
	return &fileTracker{
		changed:  make(chan struct{}),
		messages: make(map[string]models.ChatMessage),
	}
}

// notifyLocked wakes every waiter. t.mu must be held.
func (t *fileTracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *fileTracker) observe(msg models.ChatMessage) {
	if msg.Kind != models.MessageKindFile {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages[msg.ID] = msg
	t.notifyLocked()
}

func (t *fileTracker) offered(files []models.FileDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.files = append([]models.FileDescriptor(nil), files...)
	t.notifyLocked()
}

func (t *fileTracker) peerLeft() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left = true
	t.notifyLocked()
}

func (t *fileTracker) stateChanged(state network.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.notifyLocked()
}

// waitFor blocks until cond holds or ctx is done. cond runs with t.mu held.
func (t *fileTracker) waitFor(ctx context.Context, cond func(t *fileTracker) bool) error {
	for {
		t.mu.Lock()
		if cond(t) {
			t.mu.Unlock()
			return nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// waitTerminal waits until every message in ids reaches a terminal status and
// returns them in order.
func (t *fileTracker) waitTerminal(ctx context.Context, ids []string) ([]models.ChatMessage, error) {
	err := t.waitFor(ctx, func(t *fileTracker) bool {
		for _, id := range ids {
			if msg, ok := t.messages[id]; !ok || !msg.Terminal() {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ChatMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.messages[id])
	}
	return out, nil
}

func (t *fileTracker) receivedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receivedLocked()
}

// receivedLocked counts files received from the peer. t.mu must be held.
func (t *fileTracker) receivedLocked() int {
	count := 0
	for _, msg := range t.messages {
		if msg.Sender == models.SenderPeer && msg.FileStatus == models.FileStatusReceived {
			count++
		}
	}
	return count
}
