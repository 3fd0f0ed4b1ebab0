// Package inmem provides a process-local transport hub. It backs the
// multi-process coordination mode, where one runner hosts every graph node
// and drives them without crossing the network. The engines speak the same
// envelope protocol as over the wire.
package inmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/graphmesh/go-quorum/pkg/transport"
)

// Hub routes envelopes between locally registered nodes.
type Hub struct {
	mu     sync.RWMutex
	boxes  map[int]chan transport.Inbound
	done   chan struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		boxes: make(map[int]chan transport.Inbound),
		done:  make(chan struct{}),
	}
}

// Register attaches node id to the hub and returns its transport endpoint.
func (h *Hub) Register(id int) (transport.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := h.boxes[id]; ok {
		return nil, fmt.Errorf("inmem: node %d already registered", id)
	}
	box := make(chan transport.Inbound, 256)
	h.boxes[id] = box
	return &endpoint{hub: h, id: id, box: box}, nil
}

// Close detaches every endpoint and fails pending sends with ErrClosed.
// Mailbox channels are never close()d: a sender that grabbed a mailbox
// before Close must not race a close of that channel. Parked senders are
// released through the done channel, receivers drain via their own context.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.boxes = nil
	close(h.done)
	return nil
}

func (h *Hub) deliver(ctx context.Context, from, to int, msg transport.Envelope) error {
	h.mu.RLock()
	box, ok := h.boxes[to]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: node %d not registered", transport.ErrUnavailable, to)
	}
	select {
	case box <- transport.Inbound{From: from, Msg: msg}:
		return nil
	case <-h.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, ctx.Err())
	}
}

type endpoint struct {
	hub  *Hub
	id   int
	box  chan transport.Inbound
	once sync.Once
}

func (e *endpoint) Send(ctx context.Context, peer int, msg transport.Envelope) error {
	return e.hub.deliver(ctx, e.id, peer, msg)
}

func (e *endpoint) Receive() <-chan transport.Inbound { return e.box }

func (e *endpoint) Addr() string { return fmt.Sprintf("inmem:%d", e.id) }

// Close deregisters the endpoint. The mailbox stays open so a delivery in
// flight cannot hit a closed channel; it parks until the hub closes or the
// sender's context expires.
func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.hub.mu.Lock()
		delete(e.hub.boxes, e.id)
		e.hub.mu.Unlock()
	})
	return nil
}
