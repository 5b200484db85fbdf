// Package framer wraps a debugger command in sentinel markers and extracts
// the command's output from a shared stdout/stderr line stream.
//
// A cdb.exe process is driven by writing one line to its stdin and reading
// an unbounded number of lines back on stdout before the next prompt
// appears. Framer makes the end of that output observable: it wraps the
// caller's command with ".echo <START>" and ".echo <END>" and watches the
// merged output stream for those two literal strings.
package framer

import (
	"strings"
)

const (
	// StartSentinel marks the first line of a command's output.
	StartSentinel = "MCP_NEXUS_SENTINEL_COMMAND_START"
	// EndSentinel marks the line after a command's last line of output.
	EndSentinel = "MCP_NEXUS_SENTINEL_COMMAND_END"
	// BatchStartSentinel is a reserved token that ContainsSentinel rejects in
	// command text. Batched submissions do not echo it: a batch is wrapped
	// with StartSentinel and EndSentinel like a single command.
	BatchStartSentinel = "MCP_NEXUS_SENTINEL_BATCH_START"
	// BatchEndSentinel is a reserved token that ContainsSentinel rejects in
	// command text. Batched submissions do not echo it.
	BatchEndSentinel = "MCP_NEXUS_SENTINEL_BATCH_END"
	// BatchSepPrefix prefixes the per-command separator echoed between
	// batch members; the full separator is BatchSepPrefix + commandID.
	BatchSepPrefix = "MCP_NEXUS_SENTINEL_BATCH_SEP_"
)

// Wrap builds the line submitted to the debugger's stdin for a single
// command body. The body may itself be multi-line; it is submitted
// verbatim and never split by the framer.
func Wrap(body string) string {
	return ".echo " + StartSentinel + "; " + body + "; .echo " + EndSentinel
}

// WrapBatchSeparator builds the ".echo" fragment emitted between two
// members of a batched submission, tagged with the command id that just
// finished so demux is positional-plus-tagged.
func WrapBatchSeparator(commandID string) string {
	return ".echo " + BatchSepPrefix + commandID
}

// BatchSeparator returns the literal separator line for a given command id,
// as it will appear on the output stream.
func BatchSeparator(commandID string) string {
	return BatchSepPrefix + commandID
}

// extractState is the line-extraction state machine's current phase.
type extractState int

const (
	stateBeforeStart extractState = iota
	stateInside
	stateDone
)

// Extractor drives the sentinel line-extraction state machine described in
// the design: lines before the start sentinel are discarded, lines between
// the two sentinels are accumulated, and the sentinel lines themselves are
// never appended to the result.
type Extractor struct {
	state extractState
	buf   strings.Builder
}

// NewExtractor returns an Extractor ready to scan a single command's output.
func NewExtractor() *Extractor {
	return &Extractor{state: stateBeforeStart}
}

// Feed processes one line from the merged output stream (without its
// trailing newline). It returns (output, true) once the end sentinel has
// been seen, and (_, false) otherwise.
func (e *Extractor) Feed(line string) (string, bool) {
	switch e.state {
	case stateBeforeStart:
		if strings.Contains(line, StartSentinel) {
			e.state = stateInside
		}
		return "", false
	case stateInside:
		if strings.Contains(line, EndSentinel) {
			e.state = stateDone
			return e.buf.String(), true
		}
		e.buf.WriteString(line)
		e.buf.WriteByte('\n')
		return "", false
	default: // stateDone
		return e.buf.String(), true
	}
}

// Done reports whether the end sentinel has been seen.
func (e *Extractor) Done() bool {
	return e.state == stateDone
}

// Partial returns the buffer accumulated so far, for callers that must
// abandon extraction early (cancellation or process exit) before the end
// sentinel appeared.
func (e *Extractor) Partial() string {
	return e.buf.String()
}

// Run extracts one command's output from a channel of merged output lines.
// It returns the accumulated body and true once the end sentinel line is
// seen, or the partial body and false if lines is closed first (the caller
// must then decide between Timeout and Failed, per the design).
func Run(lines <-chan string) (string, bool) {
	ext := NewExtractor()
	for line := range lines {
		if out, done := ext.Feed(line); done {
			return out, true
		}
	}
	return ext.Partial(), false
}

// ContainsSentinel reports whether s contains any literal sentinel token.
// The preprocessor uses this to reject command bodies that would corrupt
// the framing state machine.
func ContainsSentinel(s string) bool {
	return strings.Contains(s, StartSentinel) ||
		strings.Contains(s, EndSentinel) ||
		strings.Contains(s, BatchStartSentinel) ||
		strings.Contains(s, BatchEndSentinel) ||
		strings.Contains(s, BatchSepPrefix)
}
