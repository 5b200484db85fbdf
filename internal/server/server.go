// Package server exposes the session registry over gRPC, with an optional
// REST gateway for browser and curl clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	pb "github.com/capulus-code-ninja/cdb-nexus/api/gen"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/cache"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/registry"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Config holds server configuration.
type Config struct {
	GRPCAddr string
	RESTAddr string // empty disables the REST gateway
}

// Server wires the CdbSessionService onto a gRPC listener and, optionally,
// a grpc-gateway REST mux on a second address.
type Server struct {
	config     Config
	grpcServer *grpc.Server
	httpServer *http.Server
	svc        *CdbSessionServiceServer
	mu         sync.Mutex
}

// New constructs a Server backed by reg (session registry), c (result
// cache) and hub (event notifications).
func New(cfg Config, reg *registry.Registry, c *cache.Cache, hub *notify.Hub) (*Server, error) {
	if reg == nil {
		return nil, errors.New("server: registry is required")
	}

	grpcServer := grpc.NewServer()
	svc := NewCdbSessionServiceServer(reg, c, hub)
	pb.RegisterCdbSessionServiceServer(grpcServer, svc)

	return &Server{config: cfg, grpcServer: grpcServer, svc: svc}, nil
}

// Start runs the gRPC server, blocking until it stops.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on grpc address: %w", err)
	}
	return s.grpcServer.Serve(lis)
}

// StartWithGateway runs the gRPC server and, if RESTAddr is set, a REST
// gateway mux proxying onto it, returning the first error from either.
func (s *Server) StartWithGateway() error {
	grpcLis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on grpc address: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if s.config.RESTAddr == "" {
		return <-errCh
	}

	ctx := context.Background()
	mux := runtime.NewServeMux()
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if err := pb.RegisterCdbSessionServiceHandlerFromEndpoint(ctx, mux, s.config.GRPCAddr, opts); err != nil {
		return fmt.Errorf("register rest gateway: %w", err)
	}

	s.mu.Lock()
	s.httpServer = &http.Server{Addr: s.config.RESTAddr, Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	return <-errCh
}

// Stop gracefully stops both servers.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
}

// CdbSessionServiceServer implements the CdbSessionService gRPC interface
// over a session registry, result cache, and event hub.
type CdbSessionServiceServer struct {
	pb.UnimplementedCdbSessionServiceServer
	reg   *registry.Registry
	cache *cache.Cache
	hub   *notify.Hub
}

// NewCdbSessionServiceServer constructs the service implementation.
func NewCdbSessionServiceServer(reg *registry.Registry, c *cache.Cache, hub *notify.Hub) *CdbSessionServiceServer {
	return &CdbSessionServiceServer{reg: reg, cache: c, hub: hub}
}

func (s *CdbSessionServiceServer) OpenSession(ctx context.Context, req *pb.OpenSessionRequest) (*pb.Session, error) {
	if req.DumpPath == "" {
		return nil, status.Error(codes.InvalidArgument, "dump_path is required")
	}

	sess, err := s.reg.Create(ctx, req.DumpPath, req.SymbolPath)
	if err != nil {
		return nil, mapError(err)
	}
	return sessionToProto(sess.Info()), nil
}

func (s *CdbSessionServiceServer) CloseSession(ctx context.Context, req *pb.CloseSessionRequest) (*pb.Empty, error) {
	if req.SessionId == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if err := s.reg.Close(types.SessionId(req.SessionId)); err != nil {
		return nil, mapError(err)
	}
	return &pb.Empty{}, nil
}

func (s *CdbSessionServiceServer) ListSessions(ctx context.Context, req *pb.ListSessionsRequest) (*pb.ListSessionsResponse, error) {
	infos := s.reg.List()
	out := make([]*pb.Session, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionToProto(info))
	}
	return &pb.ListSessionsResponse{Sessions: out}, nil
}

func (s *CdbSessionServiceServer) EnqueueCommand(ctx context.Context, req *pb.EnqueueCommandRequest) (*pb.Command, error) {
	if req.SessionId == "" || req.CommandText == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id and command_text are required")
	}

	sess, err := s.reg.Get(types.SessionId(req.SessionId))
	if err != nil {
		return nil, mapError(err)
	}

	id, err := sess.EnqueueCommand(req.CommandText)
	if err != nil {
		return nil, mapError(err)
	}

	info, err := sess.GetCommand(id)
	if err != nil {
		return nil, mapError(err)
	}
	return commandToProto(info), nil
}

func (s *CdbSessionServiceServer) GetCommand(ctx context.Context, req *pb.GetCommandRequest) (*pb.Command, error) {
	sess, err := s.reg.Get(types.SessionId(req.SessionId))
	if err != nil {
		return nil, mapError(err)
	}

	cacheKey := req.SessionId + "/" + req.CommandId
	if cached, ok := s.cache.Get(cacheKey); ok {
		return commandToProto(cached), nil
	}

	info, err := sess.GetCommand(types.CommandId(req.CommandId))
	if err != nil {
		return nil, mapError(err)
	}
	if info.State.IsTerminal() {
		s.cache.Set(cacheKey, info, 0)
	}
	return commandToProto(info), nil
}

func (s *CdbSessionServiceServer) CancelCommand(ctx context.Context, req *pb.CancelCommandRequest) (*pb.Empty, error) {
	sess, err := s.reg.Get(types.SessionId(req.SessionId))
	if err != nil {
		return nil, mapError(err)
	}
	sess.CancelCommand(types.CommandId(req.CommandId))
	return &pb.Empty{}, nil
}

func (s *CdbSessionServiceServer) WatchEvents(req *pb.WatchEventsRequest, stream grpc.ServerStreamingServer[pb.Event]) error {
	if s.hub == nil {
		return status.Error(codes.Unavailable, "event notifications are disabled")
	}

	ch, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if out := eventToProto(ev); out != nil {
				if err := stream.Send(out); err != nil {
					return err
				}
			}
		}
	}
}

// mapError translates a domain error into the closest gRPC status.
func mapError(err error) error {
	var notFound *types.NotFoundError
	var capExceeded *types.CapacityExceededError
	var faulted *types.SessionFaultedError
	var invalid *types.InvalidCommandError
	var perm *types.PermissionError

	switch {
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &capExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &faulted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &perm):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
