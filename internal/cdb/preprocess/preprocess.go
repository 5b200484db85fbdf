// Package preprocess implements the pure command-validation step that runs
// synchronously before a raw command string is ever queued.
package preprocess

import (
	"strings"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/framer"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// terminatingCommands are cdb commands (and common aliases) that end or
// detach the debugger session; accepting them would leave the session's
// process adapter pointed at a dead or detached child.
var terminatingCommands = map[string]bool{
	"q":       true,
	"qq":      true,
	"qd":      true,
	"qz":      true,
	".detach": true,
}

// Preprocess validates and normalizes a raw command string. It never
// touches I/O; the same input always produces the same output.
func Preprocess(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &types.InvalidCommandError{Reason: "command is empty or whitespace-only"}
	}

	trimmed := strings.TrimRight(raw, " \t\r\n")

	normalized := strings.ToLower(strings.TrimSpace(trimmed))
	if terminatingCommands[normalized] {
		return "", &types.InvalidCommandError{
			Reason: "command '" + normalized + "' would terminate or detach the debugger",
		}
	}

	if framer.ContainsSentinel(trimmed) {
		return "", &types.InvalidCommandError{Reason: "command contains a reserved sentinel token"}
	}

	return trimmed, nil
}
