// Package session implements one debug session: it owns a process
// adapter, a command queue, an optional batcher, and the single consumer
// loop that drives commands from the queue through the debugger and back.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/adapter"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/batch"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/dumpfs"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/framer"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/queue"
	"github.com/capulus-code-ninja/cdb-nexus/internal/logging"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// adapterSubmitter wraps an Adapter so it can serve as a batch.Submitter:
// it writes the wrapped command and reads the merged output stream until
// the framer reports the end sentinel, or the adapter's line channel
// closes first.
type adapterSubmitter struct {
	ad adapter.Adapter
}

func (s *adapterSubmitter) Submit(wrapped string) (string, bool, error) {
	if err := s.ad.WriteLine(wrapped); err != nil {
		return "", false, err
	}
	ext := framer.NewExtractor()
	for line := range s.ad.Lines() {
		if out, done := ext.Feed(line.Text); done {
			return out, false, nil
		}
	}
	return ext.Partial(), true, nil
}

// Session is one open debug session: Initializing -> Active ->
// Closing -> Closed, or Faulted from any non-terminal state.
type Session struct {
	id         types.SessionId
	dumpPath   string
	symbolPath string
	limits     types.SessionLimits
	extCfg     types.ExtensionScriptsConfig
	hub        *notify.Hub

	ad      adapter.Adapter
	queue   *queue.Queue
	batcher *batch.Processor

	mu           sync.Mutex
	state        types.SessionState
	createdAt    time.Time
	lastActivity time.Time
	faultCause   error

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	extFS         *dumpfs.DumpFS
	extFSCancel   context.CancelFunc
	extFSUnmounts chan struct{}
}

// New constructs a session in state Initializing. Call Open to spawn the
// debugger and start the consumer loop.
func New(id types.SessionId, dumpPath, symbolPath string, ad adapter.Adapter, limits types.SessionLimits, batchCfg types.BatchingConfiguration, extCfg types.ExtensionScriptsConfig, hub *notify.Hub) *Session {
	s := &Session{
		id:         id,
		dumpPath:   dumpPath,
		symbolPath: symbolPath,
		limits:     limits,
		extCfg:     extCfg,
		hub:        hub,
		ad:         ad,
		state:      types.SessionInitializing,
		createdAt:  time.Now(),
	}
	s.queue = queue.New(id, hub)
	s.batcher = batch.New(batchCfg, &adapterSubmitter{ad: ad})
	s.lastActivity = s.createdAt
	return s
}

// Open spawns the debugger process, waits the configured startup delay,
// and starts the consumer loop. On failure the session transitions to
// Faulted and every queued command (there should be none yet) is failed.
func (s *Session) Open(ctx context.Context) error {
	req := adapter.StartRequest{DumpPath: s.dumpPath, SymbolPath: s.symbolPath}
	if err := s.ad.Start(ctx, req); err != nil {
		msg := (&types.SessionFaultedError{SessionId: s.id, Cause: err}).Error()
		for id, info := range s.queue.GetAllInfos() {
			if !info.State.IsTerminal() {
				s.queue.Complete(id, types.CommandFailed, nil, &msg)
			}
		}
		s.fault(err)
		return err
	}

	if s.limits.StartupDelay > 0 {
		time.Sleep(s.limits.StartupDelay)
	}

	s.transition(types.SessionActive)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go s.runConsumer(loopCtx)
	go s.watchProcessExit(loopCtx)

	if s.extCfg.Enabled {
		s.mountExtensionScriptsFS()
	}

	logging.Info("session opened", logging.String("session_id", string(s.id)), logging.Int("pid", s.ad.PID()))
	return nil
}

// mountExtensionScriptsFS mounts a read-only, permission-filtered view of
// the session's symbol directory so extension scripts can inspect it
// without gaining access to paths outside their granted rules. Mount
// failures are logged but don't fault the session: extension scripts are
// an auxiliary, opt-in feature.
func (s *Session) mountExtensionScriptsFS() {
	sourceDir := s.symbolPath
	if sourceDir == "" {
		sourceDir = filepath.Dir(s.dumpPath)
	}

	fs, err := dumpfs.New(dumpfs.Config{
		SourceDir:  sourceDir,
		MountPoint: filepath.Join(s.extCfg.MountRoot, string(s.id)),
		Rules:      s.extCfg.Rules,
	})
	if err != nil {
		logging.Warn("extension scripts filesystem setup failed", logging.String("session_id", string(s.id)), logging.Err(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.extFS = fs
	s.extFSCancel = cancel
	s.extFSUnmounts = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := fs.Mount(ctx); err != nil {
			logging.Warn("extension scripts filesystem mount failed", logging.String("session_id", string(s.id)), logging.Err(err))
		}
	}()
}

// watchProcessExit faults the session if the adapter's process dies while
// no command is executing to observe it directly (an executing command's
// own read already detects and handles this via ErrIoClosed).
func (s *Session) watchProcessExit(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			active := s.state == types.SessionActive
			s.mu.Unlock()
			if active && !s.ad.IsAlive() {
				s.fault(types.ErrIoClosed)
				return
			}
		}
	}
}

// runConsumer is the dequeue half of the consumer pipeline: it pulls
// commands off the queue as fast as they're available, hands each to the
// batcher, and forwards the resulting future to the completion goroutine
// in dequeue order so batch-mates complete together and in order.
func (s *Session) runConsumer(ctx context.Context) {
	defer close(s.loopDone)

	futures := make(chan pendingCompletion, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.completeLoop(ctx, futures)
	}()

	for {
		qc, ok := s.queue.Next(ctx)
		if !ok {
			close(futures)
			wg.Wait()
			return
		}

		if err := s.queue.MarkExecuting(qc.CommandId); err != nil {
			continue
		}

		member := batch.Member{CommandId: qc.CommandId, Text: qc.Text, CommandTimeout: s.limits.CommandTimeout}
		// Process blocks for the whole round trip of a solo command, so the
		// heartbeat also runs while it is in progress.
		startedAt := time.Now()
		stopHeartbeat := s.startHeartbeat(pendingCompletion{id: qc.CommandId, startedAt: startedAt})
		future := s.batcher.Process(member)
		stopHeartbeat()

		select {
		case futures <- pendingCompletion{id: qc.CommandId, future: future, cancelled: qc.Cancelled, startedAt: startedAt}:
		case <-ctx.Done():
			close(futures)
			wg.Wait()
			return
		}
	}
}

type pendingCompletion struct {
	id        types.CommandId
	future    <-chan batch.Result
	cancelled <-chan types.CancelReason
	startedAt time.Time
}

// completeLoop resolves futures in the order they were produced, applying
// the per-command timeout and honoring a cooperative cancel signal that
// arrived after the command started executing.
func (s *Session) completeLoop(ctx context.Context, futures <-chan pendingCompletion) {
	for pc := range futures {
		s.awaitOne(ctx, pc)
	}
}

func (s *Session) awaitOne(ctx context.Context, pc pendingCompletion) {
	deadline := s.limits.CommandTimeout
	var timeoutCh <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	stopHeartbeat := s.startHeartbeat(pc)
	defer stopHeartbeat()

	select {
	case res := <-pc.future:
		if cr := s.drainCancelReason(pc.cancelled); cr != "" {
			s.completeCancelled(pc.id, cr)
			return
		}
		s.completeFromResult(pc.id, res)
	case reason := <-pc.cancelled:
		// The physical round trip may still be in flight; a goroutine
		// receives and discards its result once it arrives.
		s.completeCancelled(pc.id, reason)
		go func() { <-pc.future }()
	case <-timeoutCh:
		s.completeCancelled(pc.id, types.CancelTimeout)
		go func() { <-pc.future }()
	case <-ctx.Done():
		return
	}
}

// startHeartbeat publishes a CommandHeartbeat at a fixed interval, with the
// elapsed time since pc.startedAt, until the returned stop func is called.
// runConsumer runs one around the batcher's Process call and awaitOne runs
// one while it waits on the command's future, so together they cover the
// whole time the command is Executing.
func (s *Session) startHeartbeat(pc pendingCompletion) func() {
	interval := s.limits.HeartbeatInterval
	if s.hub == nil || interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				s.hub.PublishCommandHeartbeat(s.id, pc.id, now.Sub(pc.startedAt), now)
			}
		}
	}()
	return func() { close(done) }
}

func (s *Session) drainCancelReason(cancelled <-chan types.CancelReason) types.CancelReason {
	select {
	case reason := <-cancelled:
		return reason
	default:
		return ""
	}
}

func (s *Session) completeCancelled(id types.CommandId, reason types.CancelReason) {
	state := types.CommandCancelled
	if reason == types.CancelTimeout {
		state = types.CommandTimeout
	}
	msg := (&types.CancelledError{Reason: reason}).Error()
	s.queue.Complete(id, state, nil, &msg)
}

func (s *Session) completeFromResult(id types.CommandId, res batch.Result) {
	if res.Err != nil {
		msg := res.Err.Error()
		s.queue.Complete(id, types.CommandFailed, nil, &msg)
		s.maybeFaultFromExecutionError(res.Err)
		return
	}
	output := res.Output
	s.queue.Complete(id, types.CommandCompleted, &output, nil)
	s.queue.SetProcessId(id, s.ad.PID())
}

// maybeFaultFromExecutionError transitions the session to Faulted when an
// execution error leaves the debugger's stdin framing desynchronized.
func (s *Session) maybeFaultFromExecutionError(err error) {
	if err == types.ErrIoClosed {
		s.fault(err)
	}
}

// EnqueueCommand validates and queues raw for execution, updating the
// session's last-activity timestamp. Fails unless the session is
// Initializing or Active.
func (s *Session) EnqueueCommand(raw string) (types.CommandId, error) {
	s.touch()

	s.mu.Lock()
	state := s.state
	cause := s.faultCause
	s.mu.Unlock()

	if state == types.SessionFaulted {
		return "", &types.SessionFaultedError{SessionId: s.id, Cause: cause}
	}
	if state != types.SessionActive && state != types.SessionInitializing {
		return "", &types.SessionFaultedError{SessionId: s.id}
	}
	return s.queue.Enqueue(raw)
}

// GetCommand returns a snapshot of one command's info.
func (s *Session) GetCommand(id types.CommandId) (*types.CommandInfo, error) {
	s.touch()
	info, ok := s.queue.GetInfo(id)
	if !ok {
		return nil, &types.NotFoundError{What: string(id)}
	}
	return info, nil
}

// ListCommands returns a snapshot of every command this session has held.
func (s *Session) ListCommands() map[types.CommandId]*types.CommandInfo {
	s.touch()
	return s.queue.GetAllInfos()
}

// CancelCommand requests cancellation of one command.
func (s *Session) CancelCommand(id types.CommandId) bool {
	s.touch()
	return s.queue.Cancel(id, types.CancelUserRequest)
}

// Close transitions the session through Closing to Closed: no new
// commands are accepted, the open batch is flushed, every queued command
// is cancelled, the executing command is sent a cooperative cancel signal,
// the consumer loop is stopped, and the debugger is asked to quit and is
// killed if it is still running once CloseGracePeriod elapses.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == types.SessionClosed || s.state == types.SessionFaulted {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.transition(types.SessionClosing)
	s.batcher.FlushOpen()
	s.queue.CancelAll(types.CancelSessionClose)

	s.mu.Lock()
	cancel := s.loopCancel
	done := s.loopDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.unmountExtensionScriptsFS()

	s.ad.QuitThenKill(s.limits.CloseGracePeriod)
	err := s.ad.Close()

	s.transition(types.SessionClosed)
	logging.Info("session closed", logging.String("session_id", string(s.id)))
	return err
}

// unmountExtensionScriptsFS is a no-op if the extension scripts filesystem
// was never mounted for this session.
func (s *Session) unmountExtensionScriptsFS() {
	s.mu.Lock()
	cancel := s.extFSCancel
	done := s.extFSUnmounts
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Info returns a read-only snapshot of the session's identity and state.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pid *int
	if p := s.ad.PID(); p != 0 {
		pid = &p
	}
	return types.SessionInfo{
		SessionId:    s.id,
		State:        s.state,
		DumpPath:     s.dumpPath,
		SymbolPath:   s.symbolPath,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		ProcessId:    pid,
	}
}

// IdleSince reports how long it has been since the session last observed
// client activity, for the registry's idle-timeout sweep.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) transition(to types.SessionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if s.hub != nil {
		s.hub.PublishSessionStateChanged(s.id, from, to, time.Now())
	}
}

func (s *Session) fault(cause error) {
	s.mu.Lock()
	from := s.state
	s.state = types.SessionFaulted
	s.faultCause = cause
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.PublishSessionStateChanged(s.id, from, types.SessionFaulted, time.Now())
	}
	s.queue.CancelAll(types.CancelSessionClose)
	logging.Warn("session faulted", logging.String("session_id", string(s.id)), logging.Err(cause))
}
