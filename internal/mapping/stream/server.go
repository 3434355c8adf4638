package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/mapping/internal/mapping/maps"
	"github.com/banshee-data/mapping/internal/monitoring"
)

// DefaultClientBuffer is the per-client frame backlog.
const DefaultClientBuffer = 4

// Config configures a Server.
type Config struct {
	// Name is the publisher name; it defaults to "grpc".
	Name    string
	Address string
	// ClientBuffer is the number of frames queued per client before frames
	// for that client are dropped.
	ClientBuffer int
}

type frame struct {
	mapper string
	snap   *maps.Snapshot
	stamp  time.Time
}

type client struct {
	req Request
	ch  chan frame
}

// Server is a map publisher that streams snapshots to gRPC clients. A slow
// client loses frames; it never delays the mapper.
type Server struct {
	name    string
	address string
	buffer  int
	grpc    *grpc.Server
	logf    func(format string, v ...interface{})

	mu      sync.Mutex
	clients map[uint64]*client
	nextID  uint64

	latestByMapper *xsync.MapOf[string, frame]

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewServer creates a server with the service registered on its own
// grpc.Server.
func NewServer(cfg Config, opts ...grpc.ServerOption) *Server {
	if cfg.Name == "" {
		cfg.Name = "grpc"
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultClientBuffer
	}
	s := &Server{
		name:           cfg.Name,
		address:        cfg.Address,
		buffer:         cfg.ClientBuffer,
		grpc:           grpc.NewServer(opts...),
		logf:           monitoring.Component("Stream", cfg.Name),
		clients:        make(map[uint64]*client),
		latestByMapper: xsync.NewMapOf[string, frame](),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

func (s *Server) Name() string { return s.name }

// GRPCServer exposes the underlying server, e.g. to register more services.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Publish hands snap to every matching client without blocking.
func (s *Server) Publish(mapperName string, snap *maps.Snapshot, stamp time.Time) error {
	f := frame{mapper: mapperName, snap: snap, stamp: stamp}
	s.latestByMapper.Store(mapperName, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.req.Mapper != "" && c.req.Mapper != mapperName {
			continue
		}
		select {
		case c.ch <- f:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Clients is the number of connected subscribers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stats returns the frames sent and dropped across all clients.
func (s *Server) Stats() (sent, dropped uint64) {
	return s.sent.Load(), s.dropped.Load()
}

func (s *Server) addClient(req Request) (uint64, *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &client{req: req, ch: make(chan frame, s.buffer)}
	s.clients[s.nextID] = c
	return s.nextID, c
}

func (s *Server) removeClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

func (s *Server) subscribe(pbReq *structpb.Struct, stream grpc.ServerStream) error {
	req := requestFromProto(pbReq)
	id, c := s.addClient(req)
	defer s.removeClient(id)
	s.logf("client %d subscribed (mapper=%q points=%v)", id, req.Mapper, req.Points)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.logf("client %d gone: %v", id, ctx.Err())
			return nil
		case f := <-c.ch:
			if err := stream.SendMsg(encodeFrame(f.mapper, f.snap, f.stamp, req.Points)); err != nil {
				s.logf("client %d send error: %v", id, err)
				return err
			}
			s.sent.Add(1)
		}
	}
}

func (s *Server) latest(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	f, ok := s.latestByMapper.Load(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no snapshot published by mapper %q", req.GetValue())
	}
	return encodeFrame(f.mapper, f.snap, f.stamp, true), nil
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// Stop stops the server, closing open streams.
func (s *Server) Stop() { s.grpc.Stop() }

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("stream listen %s: %w", s.address, err)
	}
	s.logf("listening on %s", lis.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		s.grpc.Stop()
	}
	s.logf("stopped")
	return nil
}
