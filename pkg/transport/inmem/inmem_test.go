package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/graphmesh/go-quorum/pkg/transport"
)

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a, err := hub.Register(0)
	if err != nil {
		t.Fatalf("register 0: %v", err)
	}
	b, err := hub.Register(1)
	if err != nil {
		t.Fatalf("register 1: %v", err)
	}

	msg := transport.Propose(3, 1, 0, "A", "run-1")
	if err := a.Send(context.Background(), 1, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case in := <-b.Receive():
		if in.From != 0 || in.Msg.Kind != transport.KindPropose || in.Msg.Value != "A" || in.Msg.Term != 3 {
			t.Fatalf("unexpected inbound: %+v", in)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestHubUnknownPeer(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	a, _ := hub.Register(0)
	err := a.Send(context.Background(), 9, transport.Vote(1, 1, 0, true))
	if !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("send to unknown: %v, want ErrUnavailable", err)
	}
}

func TestHubDuplicateRegister(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	if _, err := hub.Register(0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := hub.Register(0); err == nil {
		t.Fatalf("expected duplicate register error")
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Register(0)
	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(context.Background(), 1, transport.Envelope{}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("send after close: %v, want ErrClosed", err)
	}
	select {
	case in := <-a.Receive():
		t.Fatalf("unexpected inbound after close: %+v", in)
	default:
	}
}

func TestHubCloseReleasesBlockedSender(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Register(0)
	b, _ := hub.Register(1)

	// Fill node 1's mailbox so the next send parks.
	for i := 0; i < cap(b.Receive()); i++ {
		if err := a.Send(context.Background(), 1, transport.Vote(1, 1, 0, true)); err != nil {
			t.Fatalf("fill mailbox: %v", err)
		}
	}

	sent := make(chan error, 1)
	go func() {
		sent <- a.Send(context.Background(), 1, transport.Vote(1, 1, 0, true))
	}()

	// Let the sender park, then tear the hub down underneath it.
	time.Sleep(50 * time.Millisecond)
	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-sent:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("blocked send after close: %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked sender not released by close")
	}
}
