package models

import "time"

// Transfer modes recorded on a share session.
const (
	TransferModeBidirectional = "bidirectional"
	TransferModeBroadcast     = "broadcast"
)

// ShareSession is the relay-side record of one pending or established
// connection. Timestamps are unix milliseconds; zero means absent.
type ShareSession struct {
	ID                string `json:"id"`
	ShortCode         string `json:"shortCode"`
	Offer             string `json:"offerPayload"`
	Answer            string `json:"answerPayload,omitempty"`
	TransferMode      string `json:"transferMode"`
	CreatedAt         int64  `json:"createdAt"`
	ExpiresAt         int64  `json:"expiresAt"`
	LastActivityAt    int64  `json:"lastActivityAt"`
	InitiatorDeviceID string `json:"initiatorDeviceId,omitempty"`
	JoinerDeviceID    string `json:"joinerDeviceId,omitempty"`
	LockedAt          int64  `json:"lockedAt,omitempty"`
	ReusableUntil     int64  `json:"reusableUntil,omitempty"`
}

// Deadline is the instant after which the session is gone: the later of the
// offer expiry and the reuse window granted by the first join.
func (s ShareSession) Deadline() int64 {
	if s.ReusableUntil > s.ExpiresAt {
		return s.ReusableUntil
	}
	return s.ExpiresAt
}

// Expired reports whether the session is past its deadline at now.
func (s ShareSession) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.Deadline()
}

// Locked reports whether a joiner identity has been bound.
func (s ShareSession) Locked() bool {
	return s.JoinerDeviceID != ""
}

// SessionOffer is what a joiner receives when looking up a code.
type SessionOffer struct {
	SessionID string `json:"sessionId"`
	Offer     string `json:"offerPayload"`
	Answer    string `json:"answerPayload,omitempty"`
}

// JoinResult is the outcome of a join validation.
type JoinResult struct {
	Locked    bool `json:"locked"`
	Allowed   bool `json:"allowed"`
	FirstJoin bool `json:"firstJoin"`
}
