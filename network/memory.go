package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"flashtransfer/models"
)

const (
	memoryOfferPrefix  = "memory-offer:"
	memoryAnswerPrefix = "memory-answer:"
)

var (
	// ErrLinkSevered is reported to both sides of a link dropped by Sever.
	ErrLinkSevered = errors.New("network: memory link severed")
	errPeerClosed  = errors.New("network: peer closed the channel")
)

// MemoryTransport pairs endpoints inside one process. Offer and answer
// payloads are opaque tokens that only this transport understands, so they
// can travel through a real signaling exchange.
type MemoryTransport struct {
	mu        sync.Mutex
	endpoints map[string]*memoryEndpoint
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{endpoints: make(map[string]*memoryEndpoint)}
}

// NewEndpoint registers a new endpoint for role.
func (t *MemoryTransport) NewEndpoint(role string, handlers EndpointHandlers) (Endpoint, error) {
	if role != models.RoleInitiator && role != models.RoleJoiner {
		return nil, fmt.Errorf("unknown endpoint role %q", role)
	}

	endpoint := &memoryEndpoint{
		id:        uuid.NewString(),
		role:      role,
		transport: t,
		handlers:  handlers,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	t.endpoints[endpoint.id] = endpoint
	t.mu.Unlock()

	go endpoint.run()
	return endpoint, nil
}

// Sever drops every open link as if the network failed and returns how many
// links were dropped.
func (t *MemoryTransport) Sever() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	severed := 0
	for _, endpoint := range t.endpoints {
		if endpoint.peer == nil || endpoint.role != models.RoleInitiator {
			continue
		}
		peer := endpoint.peer
		t.dropLocked(endpoint, ErrLinkSevered)
		t.dropLocked(peer, ErrLinkSevered)
		severed++
	}
	return severed
}

// FailPending drops every initiator whose offer has not been answered yet,
// as if ICE failed before the channel opened, and returns how many were
// dropped.
func (t *MemoryTransport) FailPending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	failed := 0
	for _, endpoint := range t.endpoints {
		if endpoint.peer != nil || endpoint.role != models.RoleInitiator {
			continue
		}
		t.dropLocked(endpoint, ErrLinkSevered)
		failed++
	}
	return failed
}

// dropLocked closes endpoint on behalf of the remote side. t.mu must be held.
func (t *MemoryTransport) dropLocked(endpoint *memoryEndpoint, reason error) {
	if endpoint.closed {
		return
	}
	endpoint.closed = true
	endpoint.peer = nil
	delete(t.endpoints, endpoint.id)

	onClose := endpoint.handlers.OnClose
	endpoint.enqueue(func() {
		if onClose != nil {
			onClose(reason)
		}
	})
	endpoint.enqueue(nil)
}

type memoryEndpoint struct {
	id        string
	role      string
	transport *MemoryTransport
	handlers  EndpointHandlers

	// Guarded by transport.mu.
	remoteID string
	peer     *memoryEndpoint
	closed   bool

	queueMu  sync.Mutex
	queue    []func()
	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func (e *memoryEndpoint) LocalDescription(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.transport.mu.Lock()
	defer e.transport.mu.Unlock()

	if e.closed {
		return "", ErrEndpointClosed
	}
	if e.role == models.RoleInitiator {
		return memoryOfferPrefix + e.id, nil
	}
	if e.remoteID == "" {
		return "", fmt.Errorf("%w: answer requested before the offer was applied", ErrNegotiation)
	}
	return memoryAnswerPrefix + e.id, nil
}

func (e *memoryEndpoint) SetRemoteDescription(payload string) error {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}

	if e.role == models.RoleJoiner {
		remoteID, ok := strings.CutPrefix(payload, memoryOfferPrefix)
		if !ok {
			return fmt.Errorf("%w: not a memory offer", ErrNegotiation)
		}
		initiator := t.endpoints[remoteID]
		if initiator == nil || initiator.closed || initiator.peer != nil {
			return fmt.Errorf("%w: offer %s is no longer available", ErrNegotiation, remoteID)
		}
		e.remoteID = remoteID
		return nil
	}

	remoteID, ok := strings.CutPrefix(payload, memoryAnswerPrefix)
	if !ok {
		return fmt.Errorf("%w: not a memory answer", ErrNegotiation)
	}
	joiner := t.endpoints[remoteID]
	if joiner == nil || joiner.closed || joiner.remoteID != e.id {
		return fmt.Errorf("%w: answer %s does not match this offer", ErrNegotiation, remoteID)
	}
	if e.peer != nil {
		return fmt.Errorf("%w: channel already open", ErrNegotiation)
	}

	e.peer = joiner
	joiner.peer = e
	for _, endpoint := range []*memoryEndpoint{e, joiner} {
		onOpen := endpoint.handlers.OnOpen
		endpoint.enqueue(func() {
			if onOpen != nil {
				onOpen()
			}
		})
	}
	return nil
}

func (e *memoryEndpoint) Send(frame []byte) error {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.closed || e.peer == nil {
		return ErrEndpointClosed
	}
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := append([]byte(nil), frame...)
	onMessage := e.peer.handlers.OnMessage
	e.peer.enqueue(func() {
		if onMessage != nil {
			onMessage(payload)
		}
	})
	return nil
}

func (e *memoryEndpoint) Close() error {
	t := e.transport
	t.mu.Lock()
	if !e.closed {
		e.closed = true
		delete(t.endpoints, e.id)
		if peer := e.peer; peer != nil {
			e.peer = nil
			t.dropLocked(peer, errPeerClosed)
		}
	}
	t.mu.Unlock()

	e.doneOnce.Do(func() { close(e.done) })
	return nil
}

// enqueue appends fn to the delivery queue; a nil fn stops the loop.
func (e *memoryEndpoint) enqueue(fn func()) {
	e.queueMu.Lock()
	e.queue = append(e.queue, fn)
	e.queueMu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *memoryEndpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
		}

		for {
			e.queueMu.Lock()
			if len(e.queue) == 0 {
				e.queueMu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue = e.queue[1:]
			e.queueMu.Unlock()

			if fn == nil {
				return
			}
			select {
			case <-e.done:
				return
			default:
			}
			fn()
		}
	}
}
