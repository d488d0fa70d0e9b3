package models

// Roles a device can take in a connection.
const (
	RoleInitiator = "initiator"
	RoleJoiner    = "joiner"
)

// StoredConnection is one entry of the local connection history.
type StoredConnection struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	PeerLabel  string `json:"peerLabel,omitempty"`
	LastActive int64  `json:"lastActive"`
}

// SessionPointer lets a host re-enter its session after a restart. Joiners
// only keep Code to prefill the join prompt.
type SessionPointer struct {
	Role      string `json:"role"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
	SavedAt   int64  `json:"savedAt"`
}
