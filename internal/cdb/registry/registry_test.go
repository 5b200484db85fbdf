package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/adapter"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// fakeAdapter is a minimal Adapter stub sufficient to open and close a
// session without driving any real command traffic.
type fakeAdapter struct {
	mu    sync.Mutex
	alive bool
	lines chan adapter.Line
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{lines: make(chan adapter.Line)}
}

func (f *fakeAdapter) Start(ctx context.Context, req adapter.StartRequest) error {
	f.mu.Lock()
	f.alive = true
	f.mu.Unlock()
	return nil
}
func (f *fakeAdapter) WriteLine(line string) error { return nil }
func (f *fakeAdapter) Lines() <-chan adapter.Line  { return f.lines }
func (f *fakeAdapter) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}
func (f *fakeAdapter) PID() int { return 1234 }
func (f *fakeAdapter) QuitThenKill(grace time.Duration) {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}
func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
	return nil
}

func testLimits() types.SessionLimits {
	return types.SessionLimits{
		MaxConcurrentSessions: 2,
		SessionTimeout:        0,
		CleanupInterval:       0,
		CommandTimeout:        time.Second,
		StartupDelay:          0,
		CloseGracePeriod:      time.Second,
	}
}

func noBatching() types.BatchingConfiguration {
	return types.BatchingConfiguration{Enabled: false}
}

func newTestRegistry(limits types.SessionLimits) *Registry {
	return New(limits, noBatching(), types.ExtensionScriptsConfig{}, nil, func() adapter.Adapter { return newFakeAdapter() })
}

func TestRegistry_CreateGetClose(t *testing.T) {
	r := newTestRegistry(testLimits())
	defer r.Shutdown()

	s, err := r.Create(context.Background(), "dump.dmp", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := r.Get(s.Info().SessionId)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != s {
		t.Errorf("expected Get to return the same session instance")
	}

	if err := r.Close(s.Info().SessionId); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := r.Get(s.Info().SessionId); err == nil {
		t.Errorf("expected Get to fail after Close")
	}
}

func TestRegistry_CapacityExceeded(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrentSessions = 1
	r := newTestRegistry(limits)
	defer r.Shutdown()

	if _, err := r.Create(context.Background(), "a.dmp", ""); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := r.Create(context.Background(), "b.dmp", "")
	if err == nil {
		t.Fatalf("expected second Create to fail with capacity exceeded")
	}
	var capErr *types.CapacityExceededError
	if !errorsAs(err, &capErr) {
		t.Errorf("expected CapacityExceededError, got %T", err)
	}
}

func TestRegistry_ListAndCount(t *testing.T) {
	r := newTestRegistry(testLimits())
	defer r.Shutdown()

	r.Create(context.Background(), "a.dmp", "")
	r.Create(context.Background(), "b.dmp", "")

	if r.Count() != 2 {
		t.Errorf("expected 2 sessions, got %d", r.Count())
	}
	if len(r.List()) != 2 {
		t.Errorf("expected List to report 2 entries")
	}
}

func TestRegistry_GetUnknownSessionFails(t *testing.T) {
	r := newTestRegistry(testLimits())
	defer r.Shutdown()

	if _, err := r.Get("sess-999"); err == nil {
		t.Errorf("expected an error for an unknown session id")
	}
}

func TestRegistry_IdleSweepClosesStaleSessions(t *testing.T) {
	limits := testLimits()
	limits.SessionTimeout = 20 * time.Millisecond
	limits.CleanupInterval = 10 * time.Millisecond
	r := newTestRegistry(limits)
	defer r.Shutdown()

	s, err := r.Create(context.Background(), "a.dmp", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := s.Info().SessionId

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get(id); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the idle session to be swept and closed")
}

func TestRegistry_CloseAllClosesEverySession(t *testing.T) {
	r := newTestRegistry(testLimits())
	r.Create(context.Background(), "a.dmp", "")
	r.Create(context.Background(), "b.dmp", "")

	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("expected CloseAll to empty the registry, got %d remaining", r.Count())
	}
	r.Shutdown()
}

func errorsAs(err error, target **types.CapacityExceededError) bool {
	e, ok := err.(*types.CapacityExceededError)
	if !ok {
		return false
	}
	*target = e
	return true
}
