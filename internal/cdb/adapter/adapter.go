// Package adapter locates and drives the cdb.exe child process: spawning
// it against a dump file, merging its stdout and stderr into one ordered
// line stream, and tearing it down on close.
package adapter

import (
	"context"
	"os"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// Source identifies which stream a Line came from.
type Source int

const (
	Out Source = iota
	Err
)

func (s Source) String() string {
	if s == Err {
		return "stderr"
	}
	return "stdout"
}

// Line is one line read from the debugger's merged stdout/stderr stream, in
// arrival order.
type Line struct {
	Text   string
	Source Source
}

// StartRequest carries everything needed to spawn a debugger session.
type StartRequest struct {
	DumpPath   string
	SymbolPath string
	ExtraArgs  []string
}

// Adapter drives one debugger child process. Implementations must merge
// stdout and stderr into one ordered channel and guarantee that dropping
// the adapter (Close) kills the child if it is still alive.
type Adapter interface {
	// Start spawns the child with stdin/stdout/stderr redirected and no
	// inherited handles, fitting StartRequest's dump and symbol paths.
	Start(ctx context.Context, req StartRequest) error

	// WriteLine appends a newline, writes, and flushes. Fails if the child
	// has already exited.
	WriteLine(line string) error

	// Lines returns the ordered, merged stdout+stderr line channel. It is
	// closed when both of the child's streams are closed.
	Lines() <-chan Line

	// IsAlive reports whether the child process is still running.
	IsAlive() bool

	// PID returns the child's process id, or 0 if not started.
	PID() int

	// QuitThenKill writes "q" on a line, waits up to grace, then forcibly
	// terminates the process tree if the child is still alive.
	QuitThenKill(grace time.Duration)

	// Close releases all resources, killing the child if still running.
	// Idempotent.
	Close() error
}

// candidatePaths are the default filesystem locations probed by Locate, in
// order, when no explicit path is configured. They mirror the well-known
// install locations for the Windows SDK / WinDbg Preview debugger.
var candidatePaths = []string{
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x64\cdb.exe`,
	`C:\Program Files\Windows Kits\10\Debuggers\x64\cdb.exe`,
	`C:\Debuggers\cdb.exe`,
}

// Locate returns the path to the debugger executable: the explicit
// override if non-empty, otherwise the first candidate path that exists.
func Locate(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &types.NotFoundExecutableError{Candidates: []string{explicit}}
		}
		return explicit, nil
	}

	for _, p := range candidatePaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &types.NotFoundExecutableError{Candidates: candidatePaths}
}
