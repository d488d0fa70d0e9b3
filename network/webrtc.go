package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"flashtransfer/models"
)

const (
	dataChannelLabel = "flashtransfer"

	// Send blocks while more than maxBufferedAmount bytes are queued in the
	// SCTP send buffer and resumes once it drains below bufferedAmountLow.
	maxBufferedAmount = 1024 * 1024
	bufferedAmountLow = 256 * 1024
	drainPollInterval = time.Second

	DefaultDisconnectedTimeout = 5 * time.Second
	DefaultFailedTimeout       = 10 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

// WebRTCOptions configures the pion transport.
type WebRTCOptions struct {
	// ICEServers are STUN/TURN URLs. Empty gathers host candidates only.
	ICEServers []string
	// DisconnectedTimeout and FailedTimeout bound how long ICE waits for a
	// silent peer before the endpoint reports the link as lost.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	// IncludeLoopback gathers loopback candidates so two endpoints on the
	// same host can connect without a network interface.
	IncludeLoopback bool
	Logger          *zap.Logger
}

// WebRTCTransport creates data channel endpoints backed by pion/webrtc.
// Negotiation is non-trickle: a description is returned only after ICE
// gathering completes, so one offer and one answer carry every candidate.
type WebRTCTransport struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

// NewWebRTCTransport creates a transport with options applied.
func NewWebRTCTransport(options WebRTCOptions) *WebRTCTransport {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.DisconnectedTimeout <= 0 {
		options.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if options.FailedTimeout <= 0 {
		options.FailedTimeout = DefaultFailedTimeout
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(options.DisconnectedTimeout, options.FailedTimeout, defaultKeepAliveInterval)
	settings.SetIncludeLoopbackCandidate(options.IncludeLoopback)

	var config webrtc.Configuration
	if len(options.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), options.ICEServers...)}}
	}

	return &WebRTCTransport{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config: config,
		logger: logger,
	}
}

// NewEndpoint creates a peer connection. The initiator opens the data
// channel; the joiner waits for it.
func (t *WebRTCTransport) NewEndpoint(role string, handlers EndpointHandlers) (Endpoint, error) {
	if role != models.RoleInitiator && role != models.RoleJoiner {
		return nil, fmt.Errorf("unknown endpoint role %q", role)
	}

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", models.ErrTransport, err)
	}

	endpoint := &webrtcEndpoint{
		role:     role,
		pc:       pc,
		handlers: handlers,
		logger:   t.logger.With(zap.String("role", role)),
		drained:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		endpoint.logger.Debug("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			endpoint.fireClose(fmt.Errorf("%w: peer connection failed", models.ErrTransport))
		case webrtc.PeerConnectionStateClosed:
			endpoint.fireClose(errPeerClosed)
		}
	})

	if role == models.RoleInitiator {
		ordered := true
		channel, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: create data channel: %v", models.ErrTransport, err)
		}
		endpoint.attach(channel)
	} else {
		pc.OnDataChannel(func(channel *webrtc.DataChannel) {
			if channel.Label() != dataChannelLabel {
				endpoint.logger.Warn("ignoring unexpected data channel", zap.String("label", channel.Label()))
				return
			}
			endpoint.attach(channel)
		})
	}

	return endpoint, nil
}

type webrtcEndpoint struct {
	role     string
	pc       *webrtc.PeerConnection
	handlers EndpointHandlers
	logger   *zap.Logger

	mu      sync.Mutex
	channel *webrtc.DataChannel
	local   string
	closed  bool

	handlerMu sync.Mutex
	closeOnce sync.Once
	drained   chan struct{}
	done      chan struct{}
}

func (e *webrtcEndpoint) attach(channel *webrtc.DataChannel) {
	e.mu.Lock()
	e.channel = channel
	e.mu.Unlock()

	channel.SetBufferedAmountLowThreshold(bufferedAmountLow)
	channel.OnBufferedAmountLow(func() {
		select {
		case e.drained <- struct{}{}:
		default:
		}
	})
	channel.OnOpen(func() {
		if e.isClosed() || e.handlers.OnOpen == nil {
			return
		}
		e.handlerMu.Lock()
		defer e.handlerMu.Unlock()
		e.handlers.OnOpen()
	})
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		if e.isClosed() || e.handlers.OnMessage == nil {
			return
		}
		e.handlerMu.Lock()
		defer e.handlerMu.Unlock()
		e.handlers.OnMessage(msg.Data)
	})
	channel.OnClose(func() {
		e.fireClose(errPeerClosed)
	})
}

func (e *webrtcEndpoint) fireClose(reason error) {
	if e.isClosed() {
		return
	}
	e.closeOnce.Do(func() {
		if e.handlers.OnClose == nil {
			return
		}
		e.handlerMu.Lock()
		defer e.handlerMu.Unlock()
		e.handlers.OnClose(reason)
	})
}

func (e *webrtcEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *webrtcEndpoint) LocalDescription(ctx context.Context) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEndpointClosed
	}
	if e.local != "" {
		local := e.local
		e.mu.Unlock()
		return local, nil
	}
	e.mu.Unlock()

	var (
		description webrtc.SessionDescription
		err         error
	)
	if e.role == models.RoleInitiator {
		description, err = e.pc.CreateOffer(nil)
	} else {
		if e.pc.RemoteDescription() == nil {
			return "", fmt.Errorf("%w: answer requested before the offer was applied", ErrNegotiation)
		}
		description, err = e.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("%w: create local description: %v", ErrNegotiation, err)
	}

	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", ErrNegotiation, err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-e.done:
		return "", ErrEndpointClosed
	}

	payload, err := json.Marshal(e.pc.LocalDescription())
	if err != nil {
		return "", fmt.Errorf("marshal local description: %w", err)
	}

	e.mu.Lock()
	e.local = string(payload)
	e.mu.Unlock()
	return string(payload), nil
}

func (e *webrtcEndpoint) SetRemoteDescription(payload string) error {
	if e.isClosed() {
		return ErrEndpointClosed
	}

	var description webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &description); err != nil {
		return fmt.Errorf("%w: decode remote description: %v", ErrNegotiation, err)
	}
	if err := e.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiation, err)
	}
	return nil
}

func (e *webrtcEndpoint) Send(frame []byte) error {
	e.mu.Lock()
	channel := e.channel
	closed := e.closed
	e.mu.Unlock()

	if closed || channel == nil || channel.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrEndpointClosed
	}
	if len(frame) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte message limit", ErrFrameTooLarge, len(frame), MaxMessageSize)
	}

	for channel.BufferedAmount() > maxBufferedAmount {
		select {
		case <-e.drained:
		case <-e.done:
			return ErrEndpointClosed
		case <-time.After(drainPollInterval):
		}
	}

	if err := channel.Send(frame); err != nil {
		return fmt.Errorf("%w: send frame: %v", models.ErrTransport, err)
	}
	return nil
}

func (e *webrtcEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	channel := e.channel
	e.mu.Unlock()

	close(e.done)

	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if err := e.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	return errors.Join(errs...)
}
