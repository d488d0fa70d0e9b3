package network

import (
	"context"
	"errors"
)

var (
	// ErrEndpointClosed indicates a send or negotiation step on a closed endpoint.
	ErrEndpointClosed = errors.New("network: endpoint closed")
	// ErrNegotiation indicates an offer or answer payload could not be applied.
	ErrNegotiation = errors.New("network: negotiation failed")
)

// EndpointHandlers receive endpoint events. Calls for one endpoint are never
// concurrent. OnClose fires at most once and never for a local Close.
type EndpointHandlers struct {
	OnOpen    func()
	OnMessage func(frame []byte)
	OnClose   func(err error)
}

// Endpoint is one side of a peer-to-peer data channel.
//
// The initiator's LocalDescription is its offer. A joiner must receive the
// offer through SetRemoteDescription before LocalDescription yields the answer.
type Endpoint interface {
	LocalDescription(ctx context.Context) (string, error)
	SetRemoteDescription(payload string) error
	Send(frame []byte) error
	Close() error
}

// Transport creates endpoints.
type Transport interface {
	NewEndpoint(role string, handlers EndpointHandlers) (Endpoint, error)
}
