package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"flashtransfer/crypto"
	"flashtransfer/models"
)

const (
	// MaxRequestBodySize bounds every JSON request body.
	MaxRequestBodySize = 1 << 20
	// Token headers required by the analytics endpoint.
	HeaderAuthToken = "X-Auth-Token"
	HeaderTimestamp = "X-Timestamp"

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Exchange         *Exchange
	Tokens           *crypto.TokenIssuer
	Limiter          *Limiter
	AnalyticsLimiter *Limiter
	Logger           *zap.Logger
	Metrics          tally.Scope
}

// Server is the HTTP front of the signaling exchange.
type Server struct {
	exchange         *Exchange
	tokens           *crypto.TokenIssuer
	limiter          *Limiter
	analyticsLimiter *Limiter
	logger           *zap.Logger
	stats            tally.Scope
	mux              *http.ServeMux
	upgrader         websocket.Upgrader
}

// NewServer creates a Server with all routes registered.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Exchange == nil {
		return nil, errors.New("exchange is required")
	}
	if options.Tokens == nil {
		return nil, errors.New("token issuer is required")
	}
	if options.Limiter == nil {
		options.Limiter = NewLimiter(30, time.Minute, nil)
	}
	if options.AnalyticsLimiter == nil {
		options.AnalyticsLimiter = NewLimiter(10, time.Minute, nil)
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Metrics == nil {
		options.Metrics = tally.NoopScope
	}

	s := &Server{
		exchange:         options.Exchange,
		tokens:           options.Tokens,
		limiter:          options.Limiter,
		analyticsLimiter: options.AnalyticsLimiter,
		logger:           options.Logger,
		stats:            options.Metrics,
		mux:              http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Sessions
	s.mux.HandleFunc("POST /sessions", s.limited(s.handleCreateSession))
	s.mux.HandleFunc("GET /sessions/by-code/{code}", s.handleGetByCode)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /sessions/{id}/answer", s.limited(s.handleAnswer))
	s.mux.HandleFunc("POST /sessions/{id}/offer", s.limited(s.handleResume))
	s.mux.HandleFunc("POST /sessions/{id}/join", s.limited(s.handleJoin))

	// Push channel
	s.mux.HandleFunc("GET /topics/{id}", s.handleSubscribe)

	// Maintenance
	s.mux.HandleFunc("POST /cleanup", s.limited(s.handleCleanup))
	s.mux.HandleFunc("GET /cleanup", s.limited(s.handleCleanup))

	// Analytics
	s.mux.HandleFunc("GET /auth/token", s.handleToken)
	s.mux.HandleFunc("POST /analytics", s.handleAnalytics)
	s.mux.HandleFunc("GET /analytics/stats", s.handleStats)
}

type createSessionRequest struct {
	OfferPayload string `json:"offerPayload"`
	Code         string `json:"code"`
	DeviceID     string `json:"deviceId"`
}

type answerRequest struct {
	AnswerPayload string `json:"answerPayload"`
}

type resumeRequest struct {
	OfferPayload string `json:"offerPayload"`
}

type joinRequest struct {
	DeviceID string `json:"deviceId"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	Timestamp int64  `json:"timestamp"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "flashtransfer-signaling",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	id, err := s.exchange.PublishOffer(r.Context(), req.Code, req.OfferPayload, req.DeviceID)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleGetByCode(w http.ResponseWriter, r *http.Request) {
	offer, err := s.exchange.FetchOfferByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionOffer{SessionID: offer.SessionID, Offer: offer.Offer})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	offer, err := s.exchange.FetchOffer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.exchange.PublishAnswer(r.Context(), r.PathValue("id"), req.AnswerPayload); err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.exchange.ResumeOffer(r.Context(), r.PathValue("id"), req.OfferPayload); err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	result, err := s.exchange.ValidateJoin(r.Context(), r.PathValue("id"), req.DeviceID)
	if err != nil {
		if errors.Is(err, models.ErrForbidden) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error":  "This connection is locked to different devices",
				"locked": true,
			})
			return
		}
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.exchange.CleanupExpired(r.Context())
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"deletedCount": deleted,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	tok := s.tokens.Issue()
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     tok.Value,
		Timestamp: tok.Timestamp,
		ExpiresIn: int64(tok.ExpiresIn / time.Second),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.analyticsLimiter.Allow(ClientIP(r)) {
		s.stats.Counter("rate_limited").Inc(1)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if err := s.tokens.Verify(r.Header.Get(HeaderAuthToken), r.Header.Get(HeaderTimestamp)); err != nil {
		s.stats.Counter("analytics_unauthorized").Inc(1)
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	var update models.StatsUpdate
	if !s.decodeBody(w, r, &update) {
		return
	}
	if err := s.exchange.RecordStats(r.Context(), update); err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.exchange.Stats(r.Context())
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSubscribe upgrades to a websocket and forwards answer events for one
// session. An answer already stored when the subscription opens is sent first.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.exchange.FetchOffer(r.Context(), sessionID); err != nil {
		s.writeExchangeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.exchange.Hub().Subscribe(sessionID)
	defer sub.Close()
	s.stats.Gauge("subscribers").Update(float64(s.exchange.Hub().Subscribers()))
	defer func() {
		s.stats.Gauge("subscribers").Update(float64(s.exchange.Hub().Subscribers()))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	current, err := s.exchange.FetchOffer(ctx, sessionID)
	if err != nil {
		return
	}
	if current.Answer != "" {
		if err := writeEvent(conn, Event{Type: EventAnswer, Payload: EventPayload{Answer: current.Answer}}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				s.logger.Debug("websocket write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(ClientIP(r)) {
			s.stats.Counter("rate_limited").Inc(1)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeExchangeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, status, models.ErrUnavailable.Error())
		return
	}
	writeError(w, status, err.Error())
}

// StatusFor maps an exchange error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrCodeCollision):
		return http.StatusConflict
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ErrorForStatus maps an HTTP status back to the error category it stands for.
func ErrorForStatus(status int, msg string) error {
	var base error
	switch status {
	case http.StatusBadRequest:
		base = models.ErrInvalidInput
	case http.StatusUnauthorized:
		base = models.ErrUnauthorized
	case http.StatusForbidden:
		base = models.ErrForbidden
	case http.StatusNotFound:
		base = models.ErrNotFound
	case http.StatusConflict:
		base = models.ErrCodeCollision
	case http.StatusGone:
		base = models.ErrExpired
	case http.StatusTooManyRequests:
		base = models.ErrRateLimited
	default:
		base = models.ErrUnavailable
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TimestampHeader formats a token timestamp for HeaderTimestamp.
func TimestampHeader(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
