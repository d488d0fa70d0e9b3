package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"flashtransfer/codec"
	"flashtransfer/models"
	"flashtransfer/storage"
)

const (
	// DefaultOfferTTL is how long a published or resumed offer stays fetchable.
	DefaultOfferTTL = 24 * time.Hour
	// DefaultReusableWindow is how long a locked session may be rejoined.
	DefaultReusableWindow = 7 * 24 * time.Hour
	// MaxPayloadSize bounds offer and answer payloads.
	MaxPayloadSize = 64 * 1024
)

// ExchangeOptions configures an Exchange.
type ExchangeOptions struct {
	Store          *storage.Store
	Hub            *Hub
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        tally.Scope
	OfferTTL       time.Duration
	ReusableWindow time.Duration
}

// Exchange is the store-and-forward relay for connection-establishment
// payloads between two devices that have no direct channel yet.
type Exchange struct {
	store          *storage.Store
	hub            *Hub
	clock          clock.Clock
	logger         *zap.Logger
	stats          tally.Scope
	offerTTL       time.Duration
	reusableWindow time.Duration
}

// NewExchange applies defaults to options and returns an Exchange.
func NewExchange(options ExchangeOptions) (*Exchange, error) {
	if options.Store == nil {
		return nil, errors.New("signaling store is required")
	}
	if options.Hub == nil {
		options.Hub = NewHub()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Metrics == nil {
		options.Metrics = tally.NoopScope
	}
	if options.OfferTTL <= 0 {
		options.OfferTTL = DefaultOfferTTL
	}
	if options.ReusableWindow <= 0 {
		options.ReusableWindow = DefaultReusableWindow
	}

	return &Exchange{
		store:          options.Store,
		hub:            options.Hub,
		clock:          options.Clock,
		logger:         options.Logger,
		stats:          options.Metrics,
		offerTTL:       options.OfferTTL,
		reusableWindow: options.ReusableWindow,
	}, nil
}

// Hub returns the session event hub.
func (e *Exchange) Hub() *Hub {
	return e.hub
}

// PublishOffer stores a new session for code and returns its id.
func (e *Exchange) PublishOffer(ctx context.Context, code, offer, initiatorDeviceID string) (string, error) {
	if !codec.Valid(code) {
		return "", fmt.Errorf("%w: malformed code", models.ErrInvalidInput)
	}
	if err := validatePayload(offer); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := e.clock.Now()
	session := models.ShareSession{
		ID:                uuid.NewString(),
		ShortCode:         code,
		Offer:             offer,
		TransferMode:      models.TransferModeBidirectional,
		CreatedAt:         now.UnixMilli(),
		ExpiresAt:         now.Add(e.offerTTL).UnixMilli(),
		LastActivityAt:    now.UnixMilli(),
		InitiatorDeviceID: initiatorDeviceID,
	}
	if err := e.store.InsertSession(session); err != nil {
		if errors.Is(err, storage.ErrCodeCollision) {
			e.stats.Counter("code_collisions").Inc(1)
			return "", models.ErrCodeCollision
		}
		return "", e.unavailable("publish offer", err)
	}

	e.stats.Counter("offers_published").Inc(1)
	e.logger.Info("offer published", zap.String("session_id", session.ID))
	return session.ID, nil
}

// FetchOfferByCode returns the live session published under code.
func (e *Exchange) FetchOfferByCode(ctx context.Context, code string) (*models.SessionOffer, error) {
	if !codec.Valid(code) {
		return nil, fmt.Errorf("%w: malformed code", models.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := e.store.GetSessionByCode(code)
	if err != nil {
		return nil, e.lookupError("fetch offer by code", err)
	}
	if session.Expired(e.clock.Now()) {
		return nil, models.ErrExpired
	}
	return &models.SessionOffer{SessionID: session.ID, Offer: session.Offer, Answer: session.Answer}, nil
}

// FetchOffer returns the live session with sessionID.
func (e *Exchange) FetchOffer(ctx context.Context, sessionID string) (*models.SessionOffer, error) {
	session, err := e.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionOffer{SessionID: session.ID, Offer: session.Offer, Answer: session.Answer}, nil
}

// PublishAnswer stores the answer for sessionID and pushes it to subscribers.
// The stored copy lets an initiator that was not subscribed pick it up later.
func (e *Exchange) PublishAnswer(ctx context.Context, sessionID, answer string) error {
	if err := validatePayload(answer); err != nil {
		return err
	}
	if _, err := e.liveSession(ctx, sessionID); err != nil {
		return err
	}

	if err := e.store.SetAnswer(sessionID, answer, e.clock.Now().UnixMilli()); err != nil {
		return e.lookupError("publish answer", err)
	}

	delivered := e.hub.Publish(sessionID, Event{Type: EventAnswer, Payload: EventPayload{Answer: answer}})
	e.stats.Counter("answers_published").Inc(1)
	e.logger.Info("answer published",
		zap.String("session_id", sessionID),
		zap.Int("subscribers", delivered),
	)
	return nil
}

// ResumeOffer replaces the offer of an existing session and extends its expiry.
func (e *Exchange) ResumeOffer(ctx context.Context, sessionID, offer string) error {
	if err := validatePayload(offer); err != nil {
		return err
	}
	if _, err := e.liveSession(ctx, sessionID); err != nil {
		return err
	}

	now := e.clock.Now()
	if err := e.store.UpdateOffer(sessionID, offer, now.Add(e.offerTTL).UnixMilli(), now.UnixMilli()); err != nil {
		return e.lookupError("resume offer", err)
	}

	e.stats.Counter("offers_resumed").Inc(1)
	e.logger.Info("offer resumed", zap.String("session_id", sessionID))
	return nil
}

// ValidateJoin binds the first joining device to the session and afterwards
// admits only the two bound devices. A refused join does not touch the record.
func (e *Exchange) ValidateJoin(ctx context.Context, sessionID, deviceID string) (models.JoinResult, error) {
	if deviceID == "" {
		return models.JoinResult{}, fmt.Errorf("%w: device id is required", models.ErrInvalidInput)
	}
	session, err := e.liveSession(ctx, sessionID)
	if err != nil {
		return models.JoinResult{}, err
	}

	if !session.Locked() {
		now := e.clock.Now()
		locked, err := e.store.LockJoiner(sessionID, deviceID, now.UnixMilli(), now.Add(e.reusableWindow).UnixMilli())
		if err != nil {
			return models.JoinResult{}, e.lookupError("lock joiner", err)
		}
		if locked {
			e.stats.Counter("joins_locked").Inc(1)
			e.logger.Info("session locked to joiner", zap.String("session_id", sessionID))
			return models.JoinResult{Locked: true, Allowed: true, FirstJoin: true}, nil
		}
		// Another device won the lock between the read and the update.
		session, err = e.liveSession(ctx, sessionID)
		if err != nil {
			return models.JoinResult{}, err
		}
	}

	if deviceID == session.JoinerDeviceID || deviceID == session.InitiatorDeviceID {
		e.stats.Counter("joins_reconnected").Inc(1)
		return models.JoinResult{Locked: true, Allowed: true}, nil
	}

	e.stats.Counter("joins_forbidden").Inc(1)
	e.logger.Warn("join refused for unbound device", zap.String("session_id", sessionID))
	return models.JoinResult{Locked: true}, models.ErrForbidden
}

// CleanupExpired deletes every session past its deadline. Running it again
// right away deletes nothing and is not an error.
func (e *Exchange) CleanupExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deleted, err := e.store.DeleteExpiredSessions(e.clock.Now().UnixMilli())
	if err != nil {
		return 0, e.unavailable("cleanup expired", err)
	}
	if deleted > 0 {
		e.stats.Counter("sessions_cleaned").Inc(deleted)
		e.logger.Info("expired sessions removed", zap.Int64("count", deleted))
	}
	return deleted, nil
}

// RecordStats validates and folds one client transfer report into today's rollup.
func (e *Exchange) RecordStats(ctx context.Context, update models.StatsUpdate) error {
	if err := ValidateStatsUpdate(update); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := e.clock.Now()
	if err := e.store.RecordTransferStats(statsDay(now), update, now.UnixMilli()); err != nil {
		return e.unavailable("record stats", err)
	}
	e.stats.Counter("stats_reports").Inc(1)
	return nil
}

// Stats returns today's rollup.
func (e *Exchange) Stats(ctx context.Context) (*models.AggregateStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats, err := e.store.GetTransferStats(statsDay(e.clock.Now()))
	if err != nil {
		return nil, e.unavailable("read stats", err)
	}
	return stats, nil
}

func (e *Exchange) liveSession(ctx context.Context, sessionID string) (*models.ShareSession, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, e.lookupError("get session", err)
	}
	if session.Expired(e.clock.Now()) {
		return nil, models.ErrExpired
	}
	return session, nil
}

func (e *Exchange) lookupError(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return models.ErrNotFound
	}
	return e.unavailable(op, err)
}

func (e *Exchange) unavailable(op string, err error) error {
	e.stats.Counter("store_errors").Inc(1)
	e.logger.Error("signaling store failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, models.ErrUnavailable)
}

func validatePayload(payload string) error {
	if payload == "" {
		return fmt.Errorf("%w: payload is required", models.ErrInvalidInput)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload exceeds %d bytes", models.ErrInvalidInput, MaxPayloadSize)
	}
	return nil
}

func statsDay(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
