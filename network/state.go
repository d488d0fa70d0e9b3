package network

import (
	"context"
	"time"

	"flashtransfer/models"
)

// State is the connection manager's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateCreating     State = "creating"
	StateJoining      State = "joining"
	StateConnected    State = "connected"
	StateResuming     State = "resuming"
	StateDisconnected State = "disconnected"
)

// Signaler exchanges offers and answers through the relay.
type Signaler interface {
	PublishOffer(ctx context.Context, code, offer, deviceID string) (string, error)
	FetchOffer(ctx context.Context, code string) (*models.SessionOffer, error)
	PublishAnswer(ctx context.Context, sessionID, answer string) error
	ResumeOffer(ctx context.Context, sessionID, offer string) error
	ValidateJoin(ctx context.Context, sessionID, deviceID string) (models.JoinResult, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan string, error)
}

// PointerStore keeps the single session pointer used to resume after a restart.
type PointerStore interface {
	SaveSessionPointer(ptr models.SessionPointer) error
	LoadSessionPointer(now time.Time, maxAge time.Duration) (*models.SessionPointer, error)
	ClearSessionPointer() error
}

// HistoryStore remembers past connections.
type HistoryStore interface {
	SaveConnection(conn models.StoredConnection, limit int) error
}

// TranscriptStore persists chat transcripts keyed by connection code.
type TranscriptStore interface {
	SaveTranscript(code string, messages []models.ChatMessage) error
	LoadTranscript(code string) ([]models.ChatMessage, error)
}
