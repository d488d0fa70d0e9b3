package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flashtransfer/models"
)

const (
	// DefaultPollInterval is used when the push channel is unavailable.
	DefaultPollInterval = 2 * time.Second
	// DefaultRequestTimeout bounds each relay request.
	DefaultRequestTimeout = 15 * time.Second
	// tokenCacheTTL stays below the server token window.
	tokenCacheTTL = 90 * time.Second
)

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	PollInterval time.Duration
	DisablePush  bool
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Client talks to a signaling relay over HTTP with a websocket push channel.
type Client struct {
	baseURL      *url.URL
	http         *http.Client
	dialer       *websocket.Dialer
	pollInterval time.Duration
	disablePush  bool
	clock        clock.Clock
	logger       *zap.Logger

	tokenMu     sync.Mutex
	cachedToken *cachedToken
}

type cachedToken struct {
	token     string
	timestamp int64
	expiresAt time.Time
}

// NewClient validates options and returns a Client.
func NewClient(options ClientOptions) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("signaling base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse signaling URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported signaling URL scheme %q", base.Scheme)
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if options.Dialer == nil {
		options.Dialer = websocket.DefaultDialer
	}
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultPollInterval
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return &Client{
		baseURL:      base,
		http:         options.HTTPClient,
		dialer:       options.Dialer,
		pollInterval: options.PollInterval,
		disablePush:  options.DisablePush,
		clock:        options.Clock,
		logger:       options.Logger,
	}, nil
}

// PublishOffer creates a session for code.
func (c *Client) PublishOffer(ctx context.Context, code, offer, deviceID string) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	err := c.do(ctx, http.MethodPost, "/sessions", createSessionRequest{
		OfferPayload: offer,
		Code:         code,
		DeviceID:     deviceID,
	}, &resp, nil)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// FetchOffer looks up the live session published under code.
func (c *Client) FetchOffer(ctx context.Context, code string) (*models.SessionOffer, error) {
	var offer models.SessionOffer
	if err := c.do(ctx, http.MethodGet, "/sessions/by-code/"+url.PathEscape(code), nil, &offer, nil); err != nil {
		return nil, err
	}
	return &offer, nil
}

// FetchSession reads a session by id, including any stored answer.
func (c *Client) FetchSession(ctx context.Context, sessionID string) (*models.SessionOffer, error) {
	var offer models.SessionOffer
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &offer, nil); err != nil {
		return nil, err
	}
	return &offer, nil
}

// PublishAnswer stores the joiner's answer.
func (c *Client) PublishAnswer(ctx context.Context, sessionID, answer string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/answer", answerRequest{AnswerPayload: answer}, nil, nil)
}

// ResumeOffer republishes a host offer under an existing session.
func (c *Client) ResumeOffer(ctx context.Context, sessionID, offer string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/offer", resumeRequest{OfferPayload: offer}, nil, nil)
}

// ValidateJoin asks the relay to admit deviceID to the session.
func (c *Client) ValidateJoin(ctx context.Context, sessionID, deviceID string) (models.JoinResult, error) {
	var result models.JoinResult
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/join", joinRequest{DeviceID: deviceID}, &result, nil)
	return result, err
}

// Cleanup triggers an expired-session sweep on the relay.
func (c *Client) Cleanup(ctx context.Context) (int64, error) {
	var resp struct {
		DeletedCount int64 `json:"deletedCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/cleanup", nil, &resp, nil); err != nil {
		return 0, err
	}
	return resp.DeletedCount, nil
}

// AuthToken returns a cached analytics token or fetches a new one.
func (c *Client) AuthToken(ctx context.Context) (string, int64, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.clock.Now()
	if c.cachedToken != nil && now.Before(c.cachedToken.expiresAt) {
		return c.cachedToken.token, c.cachedToken.timestamp, nil
	}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/auth/token", nil, &resp, nil); err != nil {
		return "", 0, err
	}
	c.cachedToken = &cachedToken{
		token:     resp.Token,
		timestamp: resp.Timestamp,
		expiresAt: now.Add(tokenCacheTTL),
	}
	return resp.Token, resp.Timestamp, nil
}

// SubmitStats reports finished transfers to the relay.
func (c *Client) SubmitStats(ctx context.Context, update models.StatsUpdate) error {
	token, ts, err := c.AuthToken(ctx)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set(HeaderAuthToken, token)
	headers.Set(HeaderTimestamp, TimestampHeader(ts))
	return c.do(ctx, http.MethodPost, "/analytics", update, nil, headers)
}

// Stats returns the relay's rollup for today.
func (c *Client) Stats(ctx context.Context) (*models.AggregateStats, error) {
	var stats models.AggregateStats
	if err := c.do(ctx, http.MethodGet, "/analytics/stats", nil, &stats, nil); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Subscribe delivers each distinct answer stored for sessionID until ctx is
// cancelled. It listens on the push channel and falls back to polling at a
// fixed interval when push is unavailable or drops.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan string, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", models.ErrInvalidInput)
	}
	out := make(chan string, 4)
	go c.watch(ctx, sessionID, out)
	return out, nil
}

func (c *Client) watch(ctx context.Context, sessionID string, out chan<- string) {
	defer close(out)

	var last string
	deliver := func(answer string) bool {
		if answer == "" || answer == last {
			return true
		}
		last = answer
		select {
		case out <- answer:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !c.disablePush {
		err := c.stream(ctx, sessionID, deliver)
		if ctx.Err() != nil {
			return
		}
		c.logger.Debug("push channel unavailable, polling", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.poll(ctx, sessionID, deliver)
}

func (c *Client) stream(ctx context.Context, sessionID string, deliver func(string) bool) error {
	conn, _, err := c.dialer.DialContext(ctx, c.websocketURL("/topics/"+url.PathEscape(sessionID)), nil)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("read push event: %w", err)
		}
		if event.Type != EventAnswer {
			continue
		}
		if !deliver(event.Payload.Answer) {
			return ctx.Err()
		}
	}
}

func (c *Client) poll(ctx context.Context, sessionID string, deliver func(string) bool) {
	for {
		session, err := c.FetchSession(ctx, sessionID)
		switch {
		case err == nil:
			if !deliver(session.Answer) {
				return
			}
		case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrExpired):
			c.logger.Info("session gone, stopping poll", zap.String("session_id", sessionID), zap.Error(err))
			return
		case ctx.Err() != nil:
			return
		default:
			c.logger.Debug("poll failed", zap.String("session_id", sessionID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.pollInterval):
		}
	}
}

func (c *Client) websocketURL(path string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, headers http.Header) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		return ErrorForStatus(resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
