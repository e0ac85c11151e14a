package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================================
// gRPC service description
// ============================================================================

const deliverMethod = "/beaver.engine.v1.PartitionTransport/Deliver"

// deliveryServer is the server side of the PartitionTransport service.
type deliveryServer interface {
	Deliver(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "beaver.engine.v1.PartitionTransport",
	HandlerType: (*deliveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/engine/v1/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliveryServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliveryServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Client
// ============================================================================

// Client sends messages to peer nodes. Connections are cached per address.
type Client struct {
	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	timeout time.Duration
	dial    []grpc.DialOption
	closed  bool
}

// NewClient creates a client whose calls time out after timeout. Extra dial
// options are appended to the insecure default.
func NewClient(timeout time.Duration, opts ...grpc.DialOption) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	dial := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return &Client{
		conns:   make(map[string]*grpc.ClientConn),
		timeout: timeout,
		dial:    dial,
	}
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("transport client is closed")
	}
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.dial...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Send delivers msg to the node at addr. The call runs on its own goroutine;
// the future completes with the remote acknowledgement.
func (c *Client) Send(ctx context.Context, addr string, msg distribution.Message) *actor.Future[distribution.Ack] {
	fut := actor.NewFuture[distribution.Ack]()
	go func() {
		ack, err := c.deliver(ctx, addr, msg)
		if err != nil {
			_ = fut.Fail(err)
			return
		}
		_ = fut.Complete(ack)
	}()
	return fut
}

func (c *Client) deliver(ctx context.Context, addr string, msg distribution.Message) (distribution.Ack, error) {
	conn, err := c.conn(addr)
	if err != nil {
		return distribution.Ack{}, fault.Recoverable(err)
	}
	req, err := encodeMessage(msg)
	if err != nil {
		return distribution.Ack{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, deliverMethod, req, resp); err != nil {
		return distribution.Ack{}, fault.Recoverable(fmt.Errorf("deliver to %s: %w", addr, err))
	}
	return decodeAck(resp)
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}

// ============================================================================
// Server
// ============================================================================

// Server accepts messages from peer nodes and hands them to the local
// partitions.
type Server struct {
	target Deliverer
	grpc   *grpc.Server
	log    zerolog.Logger
}

// NewServer registers the transport service on a new grpc.Server.
func NewServer(target Deliverer, opts ...grpc.ServerOption) *Server {
	s := &Server{
		target: target,
		grpc:   grpc.NewServer(opts...),
		log:    log.With().Str("component", "transport-server").Logger(),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Deliver implements the PartitionTransport service. It runs on a gRPC
// goroutine, so waiting on the partition's future is fine here.
func (s *Server) Deliver(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg, err := decodeMessage(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ack, err := s.target.Deliver(msg).Join(ctx)
	if err != nil {
		s.log.Debug().Err(err).Int("origin", msg.Origin).Int("target", msg.Target).
			Int64("key", int64(msg.Key)).Msg("delivery rejected")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return encodeAck(ack)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("transport server listening")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
