package network

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"flashtransfer/codec"
	"flashtransfer/models"
	"flashtransfer/storage"
)

const (
	// DefaultMaxResumeAttempts bounds how often a host republishes after losing its peer.
	DefaultMaxResumeAttempts = 5
	maxCodeAttempts          = 3
)

var defaultReconnectBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

var (
	ErrInvalidCode     = errors.New("network: invalid connection code")
	ErrCodeNotFound    = errors.New("network: no session for this code")
	ErrSessionExpired  = errors.New("network: session expired")
	ErrHostLost        = errors.New("network: connection to host lost")
	ErrResumeExhausted = errors.New("network: could not resume the session")
	ErrNotHost         = errors.New("network: only the host can do this")
	ErrManagerStopped  = errors.New("network: manager stopped")

	errStaleEndpoint = errors.New("network: endpoint replaced during setup")
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	DeviceID    string
	Signaler    Signaler
	Transport   Transport
	Pointers    PointerStore
	History     HistoryStore
	Transcripts TranscriptStore

	ReconnectBackoff  []time.Duration
	MaxResumeAttempts int
	HistoryLimit      int
	PointerMaxAge     time.Duration
	Session           SessionOptions

	// GenerateCode returns a raw short code; defaults to codec.Generate.
	GenerateCode func() (string, error)

	OnStateChange    func(State)
	OnConnected      func(*Session)
	OnConnectionLost func(error)

	Logger *zap.Logger
	Clock  clock.Clock
}

// ResumeOutcome describes what Resume found in the saved session pointer.
type ResumeOutcome struct {
	Role    string
	Code    string
	Resumed bool
}

// Manager owns at most one endpoint at a time and drives it through the
// connection lifecycle: create or join, connect, lose, resume.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes lifecycle operations and resume attempts.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	role          string
	code          string
	sessionID     string
	epoch         uint64
	endpoint      Endpoint
	session       *Session
	connected     bool
	answerApplied bool
	watchCancel   context.CancelFunc
	resumeCancel  context.CancelFunc
	resumeGen     uint64
	// resumeAttempts counts republish attempts since the link was last open.
	resumeAttempts int
	stopped       bool

	errors chan error
	wg     sync.WaitGroup
}

// NewManager creates a connection manager with options applied.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if options.Signaler == nil {
		return nil, errors.New("signaler is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if options.MaxResumeAttempts <= 0 {
		options.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
	if options.HistoryLimit <= 0 {
		options.HistoryLimit = storage.DefaultHistoryLimit
	}
	if options.PointerMaxAge <= 0 {
		options.PointerMaxAge = storage.DefaultPointerMaxAge
	}
	if options.GenerateCode == nil {
		options.GenerateCode = codec.Generate
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Session.Logger == nil {
		options.Session.Logger = options.Logger
	}
	if options.Session.Clock == nil {
		options.Session.Clock = options.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		logger:  options.Logger.With(zap.String("device_id", options.DeviceID)),
		clock:   options.Clock,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
		errors:  make(chan error, 32),
	}, nil
}

// Errors returns asynchronous connection and transfer errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Code returns the human-facing code of the current connection.
func (m *Manager) Code() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// SessionID returns the relay session id of the current connection.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Role returns the local role in the current connection.
func (m *Manager) Role() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Session returns the transfer session while connected.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// CreateConnection publishes a new offer and returns the code to share.
// The manager stays in StateCreating until a joiner's answer opens the channel.
func (m *Manager) CreateConnection(ctx context.Context) (string, error) {
	m.stopResume()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.checkRunning(); err != nil {
		return "", err
	}
	return m.createConnectionLocked(ctx)
}

func (m *Manager) createConnectionLocked(ctx context.Context) (string, error) {
	epoch, endpoint, err := m.newEndpoint(models.RoleInitiator)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.role = models.RoleInitiator
	m.code = ""
	m.sessionID = ""
	m.mu.Unlock()
	m.setState(StateCreating)

	offer, err := endpoint.LocalDescription(ctx)
	if err != nil {
		m.abandon(epoch)
		return "", fmt.Errorf("create offer: %w", err)
	}

	var (
		rawCode   string
		sessionID string
	)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		rawCode, err = m.options.GenerateCode()
		if err != nil {
			m.abandon(epoch)
			return "", fmt.Errorf("generate code: %w", err)
		}
		sessionID, err = m.options.Signaler.PublishOffer(ctx, rawCode, offer, m.options.DeviceID)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrCodeCollision) {
			m.abandon(epoch)
			return "", fmt.Errorf("publish offer: %w", err)
		}
		m.logger.Debug("code collision, retrying", zap.Int("attempt", attempt+1))
	}
	if err != nil {
		m.abandon(epoch)
		return "", fmt.Errorf("publish offer: %w", err)
	}

	display, err := codec.Obfuscate(rawCode)
	if err != nil {
		m.abandon(epoch)
		return "", fmt.Errorf("obfuscate code: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return "", errStaleEndpoint
	}
	m.code = display
	m.sessionID = sessionID
	m.mu.Unlock()

	m.savePointer(models.SessionPointer{Role: models.RoleInitiator, Code: display, SessionID: sessionID})
	if err := m.watchAnswers(epoch, sessionID); err != nil {
		m.abandon(epoch)
		return "", fmt.Errorf("subscribe to answers: %w", err)
	}

	m.logger.Info("connection created", zap.String("session_id", sessionID))
	return display, nil
}

// JoinConnection answers the offer published under code.
func (m *Manager) JoinConnection(ctx context.Context, code string) error {
	display := codec.Normalize(code)
	rawCode, err := codec.Deobfuscate(display)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	m.stopResume()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.checkRunning(); err != nil {
		return err
	}

	m.release()
	m.mu.Lock()
	m.role = models.RoleJoiner
	m.code = display
	m.sessionID = ""
	m.mu.Unlock()

	offer, err := m.options.Signaler.FetchOffer(ctx, rawCode)
	if err != nil {
		m.setState(StateIdle)
		return lookupError(err)
	}
	result, err := m.options.Signaler.ValidateJoin(ctx, offer.SessionID, m.options.DeviceID)
	if err != nil {
		m.setState(StateIdle)
		return lookupError(err)
	}
	if !result.Allowed {
		m.setState(StateIdle)
		return models.ErrForbidden
	}

	epoch, endpoint, err := m.newEndpoint(models.RoleJoiner)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sessionID = offer.SessionID
	m.mu.Unlock()
	m.setState(StateJoining)

	if err := endpoint.SetRemoteDescription(offer.Offer); err != nil {
		m.abandon(epoch)
		return fmt.Errorf("apply offer: %w", err)
	}
	answer, err := endpoint.LocalDescription(ctx)
	if err != nil {
		m.abandon(epoch)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.options.Signaler.PublishAnswer(ctx, offer.SessionID, answer); err != nil {
		m.abandon(epoch)
		return fmt.Errorf("publish answer: %w", lookupError(err))
	}

	m.savePointer(models.SessionPointer{Role: models.RoleJoiner, Code: display})
	m.logger.Info("joined connection", zap.String("session_id", offer.SessionID), zap.Bool("first_join", result.FirstJoin))
	return nil
}

// Disconnect tears down the current connection, forgets the session pointer,
// and returns to StateIdle.
func (m *Manager) Disconnect() {
	m.stopResume()
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if session := m.Session(); session != nil {
		session.announceSessionEnded()
	}
	m.release()
	m.clearPointer()
	m.mu.Lock()
	m.role = ""
	m.code = ""
	m.sessionID = ""
	m.mu.Unlock()
	m.setState(StateIdle)
}

// RotateSession ends the current session for the peer and publishes a new
// one under a fresh code.
func (m *Manager) RotateSession(ctx context.Context) (string, error) {
	m.stopResume()
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.checkRunning(); err != nil {
		return "", err
	}
	if m.Role() != models.RoleInitiator {
		return "", ErrNotHost
	}

	if session := m.Session(); session != nil {
		session.announceSessionEnded()
	}
	m.release()
	return m.createConnectionLocked(ctx)
}

// Resume restores state from the saved session pointer. A host republishes
// its session and waits for the joiner in StateResuming; a joiner only gets
// the code back to offer a rejoin.
func (m *Manager) Resume(ctx context.Context) (ResumeOutcome, error) {
	if m.options.Pointers == nil {
		return ResumeOutcome{}, nil
	}
	if err := ctx.Err(); err != nil {
		return ResumeOutcome{}, err
	}

	ptr, err := m.options.Pointers.LoadSessionPointer(m.clock.Now(), m.options.PointerMaxAge)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ResumeOutcome{}, nil
		}
		return ResumeOutcome{}, fmt.Errorf("load session pointer: %w", err)
	}

	if ptr.Role == models.RoleJoiner || ptr.SessionID == "" {
		return ResumeOutcome{Role: ptr.Role, Code: ptr.Code}, nil
	}

	m.opMu.Lock()
	if err := m.checkRunning(); err != nil {
		m.opMu.Unlock()
		return ResumeOutcome{}, err
	}
	m.mu.Lock()
	m.role = models.RoleInitiator
	m.code = ptr.Code
	m.sessionID = ptr.SessionID
	m.mu.Unlock()
	m.opMu.Unlock()

	m.startResume()
	return ResumeOutcome{Role: models.RoleInitiator, Code: ptr.Code, Resumed: true}, nil
}

// Stop tears down the connection without touching the session pointer and
// waits for background work to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.stopResume()
	m.opMu.Lock()
	m.release()
	m.opMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) checkRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	return nil
}

// newEndpoint closes the owned endpoint, then creates one whose callbacks
// are bound to a fresh epoch.
func (m *Manager) newEndpoint(role string) (uint64, Endpoint, error) {
	m.release()

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	endpoint, err := m.options.Transport.NewEndpoint(role, EndpointHandlers{
		OnOpen:    func() { m.handleOpen(epoch) },
		OnMessage: func(frame []byte) { m.handleMessage(epoch, frame) },
		OnClose:   func(err error) { m.handleClose(epoch, err) },
	})
	if err != nil {
		m.setState(StateIdle)
		return 0, nil, fmt.Errorf("create endpoint: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = endpoint.Close()
		return 0, nil, errStaleEndpoint
	}
	m.endpoint = endpoint
	m.mu.Unlock()
	return epoch, endpoint, nil
}

// release invalidates the current epoch and closes whatever it owned.
func (m *Manager) release() {
	m.mu.Lock()
	m.epoch++
	endpoint, session, watch := m.endpoint, m.session, m.watchCancel
	m.endpoint, m.session, m.watchCancel = nil, nil, nil
	m.connected = false
	m.answerApplied = false
	m.mu.Unlock()

	if watch != nil {
		watch()
	}
	if endpoint != nil {
		if err := endpoint.Close(); err != nil {
			m.logger.Debug("endpoint close failed", zap.Error(err))
		}
	}
	if session != nil {
		session.close()
	}
}

// abandon releases a connection attempt that failed before it opened.
func (m *Manager) abandon(epoch uint64) {
	m.mu.Lock()
	current := m.epoch == epoch
	m.mu.Unlock()
	if !current {
		return
	}
	m.release()
	m.setState(StateIdle)
}

func (m *Manager) watchAnswers(epoch uint64, sessionID string) error {
	ctx, cancel := context.WithCancel(m.ctx)
	answers, err := m.options.Signaler.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		cancel()
		return errStaleEndpoint
	}
	m.watchCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for answer := range answers {
			m.applyAnswer(epoch, answer)
		}
	}()
	return nil
}

func (m *Manager) applyAnswer(epoch uint64, answer string) {
	m.mu.Lock()
	if m.epoch != epoch || m.connected || m.answerApplied || m.endpoint == nil {
		m.mu.Unlock()
		return
	}
	m.answerApplied = true
	endpoint := m.endpoint
	m.mu.Unlock()

	if err := endpoint.SetRemoteDescription(answer); err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.answerApplied = false
		}
		m.mu.Unlock()
		m.reportError(fmt.Errorf("apply answer: %w", err))
		return
	}
	m.logger.Debug("answer applied")
}

func (m *Manager) handleOpen(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.connected || m.endpoint == nil {
		m.mu.Unlock()
		return
	}
	m.connected = true
	session := newSession(m.code, m.endpoint, m.options.Transcripts, m.options.Session, m.reportError)
	m.session = session
	role, code, sessionID := m.role, m.code, m.sessionID
	watch := m.watchCancel
	m.watchCancel = nil
	m.mu.Unlock()

	if watch != nil {
		watch()
	}
	m.stopResume()
	m.setState(StateConnected)

	now := m.clock.Now()
	if role == models.RoleInitiator {
		m.savePointer(models.SessionPointer{Role: role, Code: code, SessionID: sessionID, SavedAt: now.UnixMilli()})
	}
	if m.options.History != nil {
		if err := m.options.History.SaveConnection(models.StoredConnection{
			Code:       code,
			Name:       "Device_" + strconv.FormatInt(now.UnixMilli(), 10),
			LastActive: now.UnixMilli(),
		}, m.options.HistoryLimit); err != nil {
			m.reportError(fmt.Errorf("save connection history: %w", err))
		}
	}

	m.logger.Info("connected", zap.String("role", role), zap.String("session_id", sessionID))
	if m.options.OnConnected != nil {
		m.options.OnConnected(session)
	}
}

func (m *Manager) handleMessage(epoch uint64, frame []byte) {
	m.mu.Lock()
	if m.epoch != epoch || m.session == nil {
		m.mu.Unlock()
		return
	}
	session := m.session
	m.mu.Unlock()

	session.handleFrame(frame)
}

func (m *Manager) handleClose(epoch uint64, cause error) {
	m.mu.Lock()
	stale := m.epoch != epoch
	m.mu.Unlock()
	if stale {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connectionLost(epoch, cause)
	}()
}

func (m *Manager) connectionLost(epoch uint64, cause error) {
	m.opMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.opMu.Unlock()
		return
	}
	role := m.role
	m.mu.Unlock()

	m.logger.Warn("connection lost", zap.String("role", role), zap.Error(cause))
	m.release()
	m.opMu.Unlock()

	if m.options.OnConnectionLost != nil {
		m.options.OnConnectionLost(cause)
	}

	if role == models.RoleInitiator && m.SessionID() != "" {
		m.startResume()
		return
	}
	m.setState(StateDisconnected)
	m.reportError(fmt.Errorf("%w: %v", ErrHostLost, cause))
}

func (m *Manager) startResume() {
	m.mu.Lock()
	if m.stopped || m.resumeCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.resumeCancel = cancel
	m.resumeGen++
	gen := m.resumeGen
	m.mu.Unlock()

	m.setState(StateResuming)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.resumeDone(gen)
		defer cancel()
		m.runResume(ctx, gen)
	}()
}

// resumeDone lets a later connection loss start a new resume once the run
// identified by gen has returned, including after a successful republish.
func (m *Manager) resumeDone(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeGen == gen {
		m.resumeCancel = nil
	}
}

func (m *Manager) stopResume() {
	m.mu.Lock()
	cancel := m.resumeCancel
	m.resumeCancel = nil
	m.resumeAttempts = 0
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// nextResumeAttempt reserves the next attempt index. Attempts carry over
// when a republished endpoint fails before it opens.
func (m *Manager) nextResumeAttempt() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeAttempts >= m.options.MaxResumeAttempts {
		return 0, false
	}
	attempt := m.resumeAttempts
	m.resumeAttempts++
	return attempt, true
}

func (m *Manager) runResume(ctx context.Context, gen uint64) {
	for {
		attempt, ok := m.nextResumeAttempt()
		if !ok {
			break
		}
		if wait := m.backoffForAttempt(attempt); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(wait):
			}
		}

		err := m.resumeOnce(ctx, gen)
		if err == nil {
			m.logger.Info("session republished", zap.Int("attempt", attempt+1))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrExpired) {
			m.finishResume(ctx, StateIdle, lookupError(err), true)
			return
		}
		m.logger.Warn("resume attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		m.reportError(fmt.Errorf("resume attempt %d: %w", attempt+1, err))
	}

	m.finishResume(ctx, StateDisconnected, ErrResumeExhausted, false)
}

// resumeOnce creates a new endpoint and republishes its offer under the
// existing session. On success the run is marked done before opMu is
// released, so a failure of the new endpoint starts a fresh resume.
func (m *Manager) resumeOnce(ctx context.Context, gen uint64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	sessionID := m.SessionID()
	epoch, endpoint, err := m.newEndpoint(models.RoleInitiator)
	if err != nil {
		return err
	}
	offer, err := endpoint.LocalDescription(ctx)
	if err != nil {
		m.release()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.options.Signaler.ResumeOffer(ctx, sessionID, offer); err != nil {
		m.release()
		return err
	}
	if err := m.watchAnswers(epoch, sessionID); err != nil {
		m.release()
		return fmt.Errorf("subscribe to answers: %w", err)
	}
	m.resumeDone(gen)
	return nil
}

func (m *Manager) finishResume(ctx context.Context, state State, cause error, forget bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	m.release()
	m.mu.Lock()
	m.resumeCancel = nil
	m.resumeAttempts = 0
	m.mu.Unlock()
	if forget {
		m.clearPointer()
		m.mu.Lock()
		m.role = ""
		m.code = ""
		m.sessionID = ""
		m.mu.Unlock()
	}
	m.setState(state)
	m.reportError(cause)
}

func (m *Manager) backoffForAttempt(attempt int) time.Duration {
	if attempt < len(m.options.ReconnectBackoff) {
		return m.options.ReconnectBackoff[attempt]
	}
	return m.options.ReconnectBackoff[len(m.options.ReconnectBackoff)-1]
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	previous := m.state
	m.state = state
	m.mu.Unlock()

	m.logger.Debug("state change", zap.String("from", string(previous)), zap.String("to", string(state)))
	if m.options.OnStateChange != nil {
		m.options.OnStateChange(state)
	}
}

func (m *Manager) savePointer(ptr models.SessionPointer) {
	if m.options.Pointers == nil {
		return
	}
	if ptr.SavedAt == 0 {
		ptr.SavedAt = m.clock.Now().UnixMilli()
	}
	if err := m.options.Pointers.SaveSessionPointer(ptr); err != nil {
		m.reportError(fmt.Errorf("save session pointer: %w", err))
	}
}

func (m *Manager) clearPointer() {
	if m.options.Pointers == nil {
		return
	}
	if err := m.options.Pointers.ClearSessionPointer(); err != nil {
		m.reportError(fmt.Errorf("clear session pointer: %w", err))
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func lookupError(err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrCodeNotFound, err)
	case errors.Is(err, models.ErrExpired):
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	default:
		return err
	}
}
