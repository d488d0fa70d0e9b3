package signaling

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap/zaptest"

	"flashtransfer/crypto"
	"flashtransfer/storage"
)

var testEpoch = time.UnixMilli(1_760_000_000_000)

type testEnv struct {
	store    *storage.Store
	clock    *clock.Mock
	scope    tally.TestScope
	exchange *Exchange
	tokens   *crypto.TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	clk := clock.NewMock()
	clk.Add(testEpoch.Sub(clk.Now()))

	scope := tally.NewTestScope("", nil)
	exchange, err := NewExchange(ExchangeOptions{
		Store:   store,
		Clock:   clk,
		Logger:  zaptest.NewLogger(t),
		Metrics: scope,
	})
	if err != nil {
		t.Fatalf("NewExchange failed: %v", err)
	}

	tokens, err := crypto.NewTokenIssuer([]byte("test-secret-test-secret"), 0, clk)
	if err != nil {
		t.Fatalf("NewTokenIssuer failed: %v", err)
	}

	return &testEnv{store: store, clock: clk, scope: scope, exchange: exchange, tokens: tokens}
}

func (e *testEnv) newServer(t *testing.T, limit int) *Server {
	t.Helper()

	srv, err := NewServer(ServerOptions{
		Exchange:         e.exchange,
		Tokens:           e.tokens,
		Limiter:          NewLimiter(limit, time.Minute, e.clock),
		AnalyticsLimiter: NewLimiter(limit, time.Minute, e.clock),
		Logger:           zaptest.NewLogger(t),
		Metrics:          e.scope,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func counterValue(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}
