package signaling

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"flashtransfer/models"
)

func newTestClient(t *testing.T, env *testEnv, disablePush bool) *Client {
	t.Helper()

	httpSrv := httptest.NewServer(env.newServer(t, 1000))
	t.Cleanup(httpSrv.Close)

	client, err := NewClient(ClientOptions{
		BaseURL:      httpSrv.URL,
		PollInterval: 20 * time.Millisecond,
		DisablePush:  disablePush,
		Logger:       zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func waitAnswer(t *testing.T, answers <-chan string) string {
	t.Helper()
	select {
	case answer, ok := <-answers:
		if !ok {
			t.Fatalf("answer channel closed early")
		}
		return answer
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for answer")
	}
	return ""
}

func TestClientRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	client := newTestClient(t, env, false)
	ctx := context.Background()

	id, err := client.PublishOffer(ctx, "abcde", "offer-1", "host")
	if err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	offer, err := client.FetchOffer(ctx, "abcde")
	if err != nil {
		t.Fatalf("FetchOffer failed: %v", err)
	}
	if offer.SessionID != id || offer.Offer != "offer-1" {
		t.Fatalf("unexpected offer: %+v", offer)
	}

	if _, err := client.FetchOffer(ctx, "qqqqq"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := client.PublishOffer(ctx, "abcde", "offer-2", ""); !errors.Is(err, models.ErrCodeCollision) {
		t.Fatalf("expected ErrCodeCollision, got %v", err)
	}

	result, err := client.ValidateJoin(ctx, id, "joiner")
	if err != nil {
		t.Fatalf("ValidateJoin failed: %v", err)
	}
	if !result.FirstJoin {
		t.Fatalf("expected first join")
	}
	if _, err := client.ValidateJoin(ctx, id, "intruder"); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := client.ResumeOffer(ctx, id, "offer-3"); err != nil {
		t.Fatalf("ResumeOffer failed: %v", err)
	}
	if n, err := client.Cleanup(ctx); err != nil || n != 0 {
		t.Fatalf("Cleanup = %d, %v", n, err)
	}
}

func TestClientSubscribeReceivesPushedAnswer(t *testing.T) {
	env := newTestEnv(t)
	client := newTestClient(t, env, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := client.PublishOffer(ctx, "abcde", "offer", "host")
	if err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	answers, err := client.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := client.PublishAnswer(ctx, id, "answer-1"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}
	if got := waitAnswer(t, answers); got != "answer-1" {
		t.Fatalf("expected answer-1, got %q", got)
	}

	cancel()
	select {
	case _, ok := <-answers:
		for ok {
			_, ok = <-answers
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not stop after cancel")
	}
}

func TestClientSubscribePollingFallback(t *testing.T) {
	env := newTestEnv(t)
	client := newTestClient(t, env, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := client.PublishOffer(ctx, "abcde", "offer", "host")
	if err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}
	if err := client.PublishAnswer(ctx, id, "answer-early"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}

	answers, err := client.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := waitAnswer(t, answers); got != "answer-early" {
		t.Fatalf("expected stored answer, got %q", got)
	}

	if err := client.PublishAnswer(ctx, id, "answer-late"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}
	if got := waitAnswer(t, answers); got != "answer-late" {
		t.Fatalf("expected later answer, got %q", got)
	}
}

func TestClientSubmitStatsUsesToken(t *testing.T) {
	env := newTestEnv(t)
	client := newTestClient(t, env, false)
	ctx := context.Background()

	update := models.StatsUpdate{
		FilesTransferred: 3,
		BytesTransferred: 300,
		FileTypes:        map[string]int64{"pdf": 3},
		TransferMode:     models.StatsModeBidirectional,
	}
	if err := client.SubmitStats(ctx, update); err != nil {
		t.Fatalf("SubmitStats failed: %v", err)
	}
	if err := client.SubmitStats(ctx, update); err != nil {
		t.Fatalf("second SubmitStats failed: %v", err)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalFilesTransferred != 6 || stats.FileTypes["pdf"] != 6 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
