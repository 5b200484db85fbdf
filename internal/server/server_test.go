package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	pb "github.com/capulus-code-ninja/cdb-nexus/api/gen"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/adapter"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/cache"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/registry"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// fakeAdapter simulates cdb.exe closely enough to let a session process
// commands without a real debugger binary: each ".echo TOKEN" fragment of a
// written line comes back as a TOKEN line, every other fragment as an
// "output-of(...)" line.
type fakeAdapter struct {
	alive bool
	lines chan adapter.Line
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{lines: make(chan adapter.Line, 64)} }

func (f *fakeAdapter) Start(ctx context.Context, req adapter.StartRequest) error {
	f.alive = true
	return nil
}
func (f *fakeAdapter) WriteLine(line string) error {
	go func() {
		for _, part := range strings.Split(line, "; ") {
			if token, ok := strings.CutPrefix(part, ".echo "); ok {
				f.lines <- adapter.Line{Text: token, Source: adapter.Out}
			} else {
				f.lines <- adapter.Line{Text: "output-of(" + part + ")", Source: adapter.Out}
			}
		}
	}()
	return nil
}
func (f *fakeAdapter) Lines() <-chan adapter.Line       { return f.lines }
func (f *fakeAdapter) IsAlive() bool                    { return f.alive }
func (f *fakeAdapter) PID() int                         { return 777 }
func (f *fakeAdapter) QuitThenKill(grace time.Duration) { f.alive = false }
func (f *fakeAdapter) Close() error                     { f.alive = false; return nil }

type testServer struct {
	lis        *bufconn.Listener
	grpcServer *grpc.Server
	reg        *registry.Registry
	cache      *cache.Cache
	hub        *notify.Hub
	conn       *grpc.ClientConn
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	limits := types.SessionLimits{CommandTimeout: 2 * time.Second, CloseGracePeriod: time.Second}
	hub := notify.New()
	reg := registry.New(limits, types.BatchingConfiguration{Enabled: false}, types.ExtensionScriptsConfig{}, hub, func() adapter.Adapter { return newFakeAdapter() })
	c := cache.New(types.DefaultCacheConfiguration())

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	svc := NewCdbSessionServiceServer(reg, c, hub)
	pb.RegisterCdbSessionServiceServer(grpcServer, svc)

	go func() {
		_ = grpcServer.Serve(lis)
	}()

	return &testServer{lis: lis, grpcServer: grpcServer, reg: reg, cache: c, hub: hub}
}

func (ts *testServer) getConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	if ts.conn != nil {
		return ts.conn
	}
	dialer := func(context.Context, string) (net.Conn, error) { return ts.lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet failed: %v", err)
	}
	ts.conn = conn
	return conn
}

func (ts *testServer) close() {
	if ts.conn != nil {
		ts.conn.Close()
	}
	ts.grpcServer.GracefulStop()
	ts.reg.Shutdown()
	ts.cache.Close()
}

func TestCdbSessionService_OpenEnqueueGetCommand(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	ctx := context.Background()
	client := pb.NewCdbSessionServiceClient(ts.getConn(t))

	session, err := client.OpenSession(ctx, &pb.OpenSessionRequest{DumpPath: "crash.dmp"})
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if session.State != pb.SessionState_SESSION_STATE_ACTIVE {
		t.Errorf("expected an active session, got %v", session.State)
	}

	cmd, err := client.EnqueueCommand(ctx, &pb.EnqueueCommandRequest{SessionId: session.SessionId, CommandText: "lm"})
	if err != nil {
		t.Fatalf("EnqueueCommand failed: %v", err)
	}
	if cmd.CommandId == "" {
		t.Fatalf("expected a non-empty command id")
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *pb.Command
	for time.Now().Before(deadline) {
		got, err = client.GetCommand(ctx, &pb.GetCommandRequest{SessionId: session.SessionId, CommandId: cmd.CommandId})
		if err != nil {
			t.Fatalf("GetCommand failed: %v", err)
		}
		if got.State == pb.CommandState_COMMAND_STATE_COMPLETED {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.State != pb.CommandState_COMMAND_STATE_COMPLETED {
		t.Fatalf("expected command to complete, got %v", got.State)
	}
}

func TestCdbSessionService_OpenSessionRequiresDumpPath(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	client := pb.NewCdbSessionServiceClient(ts.getConn(t))
	_, err := client.OpenSession(context.Background(), &pb.OpenSessionRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestCdbSessionService_GetCommandUnknownSessionIsNotFound(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	client := pb.NewCdbSessionServiceClient(ts.getConn(t))
	_, err := client.GetCommand(context.Background(), &pb.GetCommandRequest{SessionId: "sess-999", CommandId: "cmd-1"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCdbSessionService_CloseSessionThenListSessionsIsEmpty(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	ctx := context.Background()
	client := pb.NewCdbSessionServiceClient(ts.getConn(t))

	session, err := client.OpenSession(ctx, &pb.OpenSessionRequest{DumpPath: "crash.dmp"})
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	if _, err := client.CloseSession(ctx, &pb.CloseSessionRequest{SessionId: session.SessionId}); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	resp, err := client.ListSessions(ctx, &pb.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(resp.Sessions) != 0 {
		t.Errorf("expected no sessions after close, got %d", len(resp.Sessions))
	}
}

func TestCdbSessionService_CapacityExceeded(t *testing.T) {
	limits := types.SessionLimits{MaxConcurrentSessions: 1, CommandTimeout: time.Second, CloseGracePeriod: time.Second}
	hub := notify.New()
	reg := registry.New(limits, types.BatchingConfiguration{Enabled: false}, types.ExtensionScriptsConfig{}, hub, func() adapter.Adapter { return newFakeAdapter() })
	c := cache.New(types.DefaultCacheConfiguration())
	defer func() { reg.Shutdown(); c.Close() }()

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer()
	pb.RegisterCdbSessionServiceServer(grpcServer, NewCdbSessionServiceServer(reg, c, hub))
	go func() { _ = grpcServer.Serve(lis) }()
	defer grpcServer.GracefulStop()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	client := pb.NewCdbSessionServiceClient(conn)

	ctx := context.Background()
	if _, err := client.OpenSession(ctx, &pb.OpenSessionRequest{DumpPath: "a.dmp"}); err != nil {
		t.Fatalf("first OpenSession failed: %v", err)
	}
	_, err = client.OpenSession(ctx, &pb.OpenSessionRequest{DumpPath: "b.dmp"})
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}
}
