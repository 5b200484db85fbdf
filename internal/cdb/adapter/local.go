package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/logging"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Local spawns cdb.exe directly via a pty, the way an interactive operator
// would run it: cdb.exe's line-editing and prompt behavior differ subtly
// when stdin/stdout aren't a terminal, and a pty also gives one merged,
// naturally-ordered output stream instead of separate stdout/stderr pipes.
type Local struct {
	ExecutablePath string

	mu         sync.Mutex
	cmd        *exec.Cmd
	ptmx       *os.File
	lines      chan Line
	hasOwnPgid bool
	alive      bool
}

// NewLocal returns a Local adapter bound to the given debugger executable.
func NewLocal(executablePath string) *Local {
	return &Local{ExecutablePath: executablePath}
}

// Start spawns cdb.exe against the given dump (and optional symbol path)
// under a pty.
func (l *Local) Start(ctx context.Context, req StartRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	args := buildArgs(req)
	cmd := exec.CommandContext(ctx, l.ExecutablePath, args...)
	cmd.Env = os.Environ()

	// pty.Start puts the child in its own session (Setsid), which already
	// gives it its own process group; no separate Setpgid is needed (and
	// combining the two would conflict).
	l.hasOwnPgid = goruntime.GOOS == "linux"

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &types.SpawnFailedError{Reason: fmt.Sprintf("exec %s", l.ExecutablePath), Cause: err}
	}

	l.cmd = cmd
	l.ptmx = ptmx
	l.lines = make(chan Line, 4096)
	l.alive = true

	go l.pump(ptmx)

	return nil
}

func (l *Local) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		l.lines <- Line{Text: scanner.Text(), Source: Out}
	}
	_ = l.cmd.Wait()
	l.mu.Lock()
	l.alive = false
	l.mu.Unlock()
	close(l.lines)
}

func buildArgs(req StartRequest) []string {
	args := []string{"-z", req.DumpPath}
	if req.SymbolPath != "" {
		args = append(args, "-y", req.SymbolPath)
	}
	args = append(args, req.ExtraArgs...)
	return args
}

// WriteLine appends a newline, writes, and flushes.
func (l *Local) WriteLine(line string) error {
	l.mu.Lock()
	ptmx := l.ptmx
	alive := l.alive
	l.mu.Unlock()

	if !alive || ptmx == nil {
		return types.ErrIoClosed
	}
	_, err := io.WriteString(ptmx, line+"\n")
	return err
}

// Lines returns the merged, ordered stdout+stderr line channel.
func (l *Local) Lines() <-chan Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// IsAlive reports whether the child process is still running.
func (l *Local) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

// PID returns the child's process id, or 0 if not started.
func (l *Local) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// QuitThenKill writes "q" on a line, waits up to grace, then forcibly
// terminates the process tree if the child is still alive.
func (l *Local) QuitThenKill(grace time.Duration) {
	_ = l.WriteLine("q")

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !l.IsAlive() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	l.kill()
}

func (l *Local) kill() {
	l.mu.Lock()
	cmd := l.cmd
	hasOwnPgid := l.hasOwnPgid
	l.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	if hasOwnPgid {
		if pgid, err := unix.Getpgid(cmd.Process.Pid); err == nil {
			if err := unix.Kill(-pgid, unix.SIGKILL); err == nil {
				return
			}
		}
	}
	_ = cmd.Process.Kill()
}

// Close releases all resources, killing the child if still running.
func (l *Local) Close() error {
	if l.IsAlive() {
		l.kill()
	}
	l.mu.Lock()
	ptmx := l.ptmx
	l.mu.Unlock()
	if ptmx != nil {
		_ = ptmx.Close()
	}
	logging.Debug("local adapter closed", logging.Int("pid", l.PID()))
	return nil
}
