// Package grpcmesh carries consensus envelopes between nodes over gRPC with
// a JSON codec and a hand-written service descriptor (no protobuf codegen).
package grpcmesh

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/graphmesh/go-quorum/pkg/internal/logutil"
	obsmetrics "github.com/graphmesh/go-quorum/pkg/observability/metrics"
	"github.com/graphmesh/go-quorum/pkg/transport"
)

// Options configures a mesh endpoint.
type Options struct {
	// Self is the local node id.
	Self int
	// Bind is the listen address for inbound envelopes (host:port).
	Bind string
	// Peers maps node ids to their consensus addresses.
	Peers map[int]string
	// Timeout bounds a single delivery attempt. Defaults to 3s.
	Timeout time.Duration
	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger
}

// Mesh implements transport.Transport over gRPC.
type Mesh struct {
	opts  Options
	lis   net.Listener
	srv   *grpc.Server
	cm    *connManager
	inbox chan transport.Inbound

	mu     sync.Mutex
	closed bool
}

// New constructs a mesh endpoint. Call Start to begin listening.
func New(opts Options) (*Mesh, error) {
	if opts.Bind == "" {
		return nil, fmt.Errorf("grpcmesh: empty bind address")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	m := &Mesh{opts: opts, inbox: make(chan transport.Inbound, 256)}
	m.cm = newConnManager(30*time.Second, m.dialCtx)
	return m, nil
}

// internal request/response types used over the gRPC JSON codec
type deliverAck struct {
	Ok bool `json:"ok"`
}

// meshServer defines the single method we expose.
type meshServer interface {
	Deliver(ctx context.Context, in *transport.Envelope) (*deliverAck, error)
}

type meshImpl struct {
	m *Mesh
}

func (s *meshImpl) Deliver(ctx context.Context, in *transport.Envelope) (*deliverAck, error) {
	if in == nil {
		in = &transport.Envelope{}
	}
	obsmetrics.MessagesReceived.WithLabelValues(string(in.Kind)).Inc()
	s.m.mu.Lock()
	closed := s.m.closed
	s.m.mu.Unlock()
	if closed {
		return &deliverAck{}, transport.ErrClosed
	}
	select {
	case s.m.inbox <- transport.Inbound{From: in.From, Msg: *in}:
		return &deliverAck{Ok: true}, nil
	case <-ctx.Done():
		return &deliverAck{}, ctx.Err()
	}
}

// Service descriptor and handler (hand-written, no codegen required)
var _Mesh_serviceDesc = grpc.ServiceDesc{
	ServiceName: "quorum.v1.Mesh",
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Mesh_Deliver_Handler},
	},
}

func _Mesh_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/quorum.v1.Mesh/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(meshServer).Deliver(ctx, req.(*transport.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// Start binds the listener and serves inbound envelopes until ctx is done.
func (m *Mesh) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", m.opts.Bind)
	if err != nil {
		return fmt.Errorf("grpcmesh: listen %s: %w", m.opts.Bind, err)
	}
	m.lis = lis
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	srv := grpc.NewServer(opts...)
	m.srv = srv
	srv.RegisterService(&_Mesh_serviceDesc, &meshImpl{m: m})

	go func() {
		<-ctx.Done()
		_ = m.Close()
	}()
	go func() {
		if err := srv.Serve(lis); err != nil {
			logutil.Debugf(m.opts.Logger, "grpcmesh: serve ended: %v", err)
		}
	}()
	return nil
}

func (m *Mesh) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.DialContext(
		ctx,
		target,
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// Send delivers one envelope to peer. Failures wrap ErrUnavailable; the
// caller decides whether the round retries.
func (m *Mesh) Send(ctx context.Context, peer int, msg transport.Envelope) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	addr, ok := m.opts.Peers[peer]
	if !ok {
		return fmt.Errorf("%w: no address for node %d", transport.ErrUnavailable, peer)
	}
	cctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()
	cc, rel, err := m.cm.get(cctx, addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", transport.ErrUnavailable, addr, err)
	}
	defer rel()
	out := new(deliverAck)
	if err := cc.Invoke(cctx, "/quorum.v1.Mesh/Deliver", &msg, out); err != nil {
		return fmt.Errorf("%w: deliver to %s: %v", transport.ErrUnavailable, addr, err)
	}
	return nil
}

// Receive returns the inbound envelope stream.
func (m *Mesh) Receive() <-chan transport.Inbound { return m.inbox }

// Addr returns the bound listen address.
func (m *Mesh) Addr() string {
	if m.lis != nil {
		return m.lis.Addr().String()
	}
	return m.opts.Bind
}

// Close stops the server and closes cached connections. The inbox channel
// stays open: a Deliver handler in flight must never race a close of it.
// Stopping the server cancels handler contexts, which unparks any handler
// still waiting on a full inbox.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	if m.srv != nil {
		m.srv.Stop()
	}
	m.cm.close()
	return nil
}

var _ transport.Transport = (*Mesh)(nil)
