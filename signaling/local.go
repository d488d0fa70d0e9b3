package signaling

import (
	"context"

	"flashtransfer/models"
)

// Local adapts an in-process Exchange to the signaler used by the
// connection manager. The relay serves it over loopback demos and tests.
type Local struct {
	exchange *Exchange
}

// NewLocal wraps exchange.
func NewLocal(exchange *Exchange) *Local {
	return &Local{exchange: exchange}
}

// PublishOffer implements the signaler contract.
func (l *Local) PublishOffer(ctx context.Context, code, offer, deviceID string) (string, error) {
	return l.exchange.PublishOffer(ctx, code, offer, deviceID)
}

// FetchOffer implements the signaler contract.
func (l *Local) FetchOffer(ctx context.Context, code string) (*models.SessionOffer, error) {
	return l.exchange.FetchOfferByCode(ctx, code)
}

// PublishAnswer implements the signaler contract.
func (l *Local) PublishAnswer(ctx context.Context, sessionID, answer string) error {
	return l.exchange.PublishAnswer(ctx, sessionID, answer)
}

// ResumeOffer implements the signaler contract.
func (l *Local) ResumeOffer(ctx context.Context, sessionID, offer string) error {
	return l.exchange.ResumeOffer(ctx, sessionID, offer)
}

// ValidateJoin implements the signaler contract.
func (l *Local) ValidateJoin(ctx context.Context, sessionID, deviceID string) (models.JoinResult, error) {
	return l.exchange.ValidateJoin(ctx, sessionID, deviceID)
}

// Subscribe delivers each distinct answer for sessionID until ctx is cancelled.
func (l *Local) Subscribe(ctx context.Context, sessionID string) (<-chan string, error) {
	sub := l.exchange.Hub().Subscribe(sessionID)
	current, err := l.exchange.FetchOffer(ctx, sessionID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan string, 4)
	go func() {
		defer close(out)
		defer sub.Close()

		last := ""
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

		if !deliver(current.Answer) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if event.Type == EventAnswer && !deliver(event.Payload.Answer) {
					return
				}
			}
		}
	}()
	return out, nil
}
