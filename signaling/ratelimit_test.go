package signaling

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
)

func TestLimiterRejectsAfterCapAndResetsAfterWindow(t *testing.T) {
	clk := clock.NewMock()
	const limit = 10
	l := NewLimiter(limit, 60*time.Second, clk)

	for i := 0; i < limit; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatalf("call %d should be rejected", limit+1)
	}
	if !l.Allow("10.0.0.2") {
		t.Fatalf("other identity should have its own window")
	}

	clk.Add(59 * time.Second)
	if l.Allow("10.0.0.1") {
		t.Fatalf("window has not reset yet")
	}

	clk.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Fatalf("call after window reset should be allowed")
	}
}

func TestLimiterPrune(t *testing.T) {
	clk := clock.NewMock()
	l := NewLimiter(1, time.Minute, clk)
	l.Allow("a")
	clk.Add(30 * time.Second)
	l.Allow("b")
	clk.Add(31 * time.Second)

	if removed := l.Prune(); removed != 1 {
		t.Fatalf("expected 1 pruned identity, got %d", removed)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked identity, got %d", l.Len())
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:4321"
	if got := ClientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected remote host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}
