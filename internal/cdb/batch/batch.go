// Package batch coalesces consecutive "cheap" commands into one batched
// submission to the debugger, then demultiplexes the combined output back
// to each command's own result.
package batch

import (
	"strings"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/framer"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// Submitter performs one round trip with the debugger: write wrapped, then
// read lines until the extractor reports Done or the channel closes.
// Implementations typically wrap a session's adapter plus framer.
type Submitter interface {
	Submit(wrapped string) (body string, partial bool, err error)
}

// Member is one command queued into an open batch.
type Member struct {
	CommandId      types.CommandId
	Text           string
	CommandTimeout time.Duration
}

// Result is the demultiplexed outcome for one batch member.
type Result struct {
	CommandId types.CommandId
	Output    string
	Err       error
}

// pending is a member waiting in the open batch, paired with the channel
// its eventual Result is delivered on.
type pending struct {
	member Member
	future chan Result
}

// Processor coalesces members into batches and flushes them through a
// Submitter, per session. Process only blocks when it triggers an
// immediate flush (a full batch, an excluded command, or batching being
// disabled); joining an already-open batch returns a future immediately so
// the consumer can keep draining its queue while the batch accumulates.
//
// Flushes can be triggered from two different goroutines: the session
// consumer (via Process/FlushOpen) and the batch's own wait timer. ioMu
// serializes the two so only one physical round trip with the adapter is
// ever in flight, preserving the single-owner-of-stdin/stdout invariant.
type Processor struct {
	cfg       types.BatchingConfiguration
	submitter Submitter

	mu    sync.Mutex
	open  []pending
	timer *time.Timer

	ioMu sync.Mutex
}

// New returns a Processor bound to cfg and submitter.
func New(cfg types.BatchingConfiguration, submitter Submitter) *Processor {
	return &Processor{cfg: cfg, submitter: submitter}
}

// isExcluded reports whether text matches one of the configured excluded
// command prefixes.
func (p *Processor) isExcluded(text string) bool {
	for _, prefix := range p.cfg.ExcludedCommands {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// disabled reports whether batching is off entirely for this configuration.
func (p *Processor) disabled() bool {
	return !p.cfg.Enabled || p.cfg.MaxBatchSize <= 0 || p.cfg.BatchWaitTimeout <= 0
}

// Process submits m, batching it with siblings when eligible, and returns a
// future that resolves with m's own Result. For an excluded command or when
// batching is disabled, any open batch is flushed first, then m executes
// solo. Otherwise m joins the open batch, which flushes once full, once its
// wait timer fires, or on an explicit FlushOpen call.
func (p *Processor) Process(m Member) <-chan Result {
	if p.disabled() || p.isExcluded(m.Text) {
		p.FlushOpen()
		future := make(chan Result, 1)
		future <- p.submitSolo(m)
		return future
	}

	future := make(chan Result, 1)
	p.mu.Lock()
	p.open = append(p.open, pending{member: m, future: future})
	full := len(p.open) >= p.cfg.MaxBatchSize
	if len(p.open) == 1 {
		p.armTimerLocked()
	}
	p.mu.Unlock()

	if full {
		p.FlushOpen()
	}
	return future
}

func (p *Processor) armTimerLocked() {
	p.timer = time.AfterFunc(p.cfg.BatchWaitTimeout, func() {
		p.FlushOpen()
	})
}

// FlushOpen submits the currently open batch, if any, resolving every
// member's future. Safe to call when the batch is empty (no-op). Callers:
// the batch's own timer, a full batch, an about-to-run excluded command,
// and a session that is closing.
func (p *Processor) FlushOpen() {
	p.mu.Lock()
	batch := p.open
	p.open = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		batch[0].future <- p.submitSolo(batch[0].member)
		return
	}

	members := make([]Member, len(batch))
	for i, pd := range batch {
		members[i] = pd.member
	}
	results := p.submitBatch(members)
	for i, pd := range batch {
		pd.future <- results[i]
	}
}

func (p *Processor) submitSolo(m Member) Result {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	wrapped := framer.Wrap(m.Text)
	body, partial, err := p.submitter.Submit(wrapped)
	if err != nil {
		return Result{CommandId: m.CommandId, Err: err}
	}
	if partial {
		return Result{CommandId: m.CommandId, Err: types.ErrIoClosed}
	}
	return Result{CommandId: m.CommandId, Output: body}
}

// submitBatch builds one combined submission embedding a separator per
// command-id, submits it, and splits the returned body back into each
// member's own output.
func (p *Processor) submitBatch(members []Member) []Result {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	var sb strings.Builder
	for i, m := range members {
		if i > 0 {
			sb.WriteString("; ")
			sb.WriteString(framer.WrapBatchSeparator(string(members[i-1].CommandId)))
			sb.WriteString(";")
		}
		sb.WriteString(" ")
		sb.WriteString(m.Text)
	}
	body := framer.Wrap(sb.String())

	raw, partial, err := p.submitter.Submit(body)
	if err != nil {
		return failAll(members, err)
	}
	if partial {
		return failAll(members, types.ErrIoClosed)
	}

	pieces, ok := splitBySeparators(raw, members)
	if !ok {
		mismatch := &types.BatchDemuxMismatchError{Expected: len(members), Found: len(pieces), RawBody: raw}
		return failAll(members, mismatch)
	}

	results := make([]Result, len(members))
	for i, m := range members {
		results[i] = Result{CommandId: m.CommandId, Output: pieces[i]}
	}
	return results
}

func failAll(members []Member, err error) []Result {
	results := make([]Result, len(members))
	for i, m := range members {
		results[i] = Result{CommandId: m.CommandId, Err: err}
	}
	return results
}

// splitBySeparators splits raw on each member's embedded separator literal,
// in order, verifying the piece count matches the member count.
func splitBySeparators(raw string, members []Member) ([]string, bool) {
	remaining := raw
	pieces := make([]string, 0, len(members))
	for i := 1; i < len(members); i++ {
		sep := framer.BatchSeparator(string(members[i-1].CommandId))
		idx := strings.Index(remaining, sep)
		if idx < 0 {
			return pieces, false
		}
		pieces = append(pieces, strings.TrimSpace(remaining[:idx]))
		remaining = remaining[idx+len(sep):]
	}
	pieces = append(pieces, strings.TrimSpace(remaining))
	if len(pieces) != len(members) {
		return pieces, false
	}
	return pieces, true
}

// BatchDeadline computes the deadline for a batch of the given members: sum
// of per-command timeouts, scaled by the configured multiplier, capped at
// MaxBatchTimeout.
func (p *Processor) BatchDeadline(members []Member) time.Duration {
	var sum time.Duration
	for _, m := range members {
		sum += m.CommandTimeout
	}
	scaled := time.Duration(float64(sum) * p.cfg.BatchTimeoutMultiplier)
	if p.cfg.MaxBatchTimeout > 0 && scaled > p.cfg.MaxBatchTimeout {
		return p.cfg.MaxBatchTimeout
	}
	return scaled
}
