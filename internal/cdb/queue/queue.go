// Package queue implements the per-session FIFO of pending commands: it
// assigns monotone command ids, tracks each command's state, and hands
// commands to a single consumer in submission order.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/preprocess"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// entry is the queue's private bookkeeping for one command: the public
// CommandInfo snapshot plus the completion/cancellation machinery.
type entry struct {
	mu       sync.Mutex
	info     *types.CommandInfo
	done     chan struct{} // closed exactly once, on reaching a terminal state
	cancelCh chan types.CancelReason
}

// QueuedCommand is handed to the consumer by Next; it carries everything
// needed to execute one command and to observe a cooperative cancel.
type QueuedCommand struct {
	CommandId types.CommandId
	Text      string
	Cancelled <-chan types.CancelReason
}

// Queue is a per-session FIFO of pending commands, safe for concurrent use
// by one producer-side caller set (enqueue/cancel/get) and one consumer
// (Next/MarkExecuting/Complete).
type Queue struct {
	sessionID types.SessionId
	hub       *notify.Hub

	mu      sync.Mutex
	entries map[types.CommandId]*entry
	order   []types.CommandId // FIFO of still-queued command ids
	nextSeq int

	pending chan types.CommandId // signals the consumer that order has grown
}

// New returns an empty queue for the given session.
func New(sessionID types.SessionId, hub *notify.Hub) *Queue {
	return &Queue{
		sessionID: sessionID,
		hub:       hub,
		entries:   make(map[types.CommandId]*entry),
		pending:   make(chan types.CommandId, 256),
	}
}

// Enqueue preprocesses raw, assigns the next command id, and appends it to
// the FIFO. It fails synchronously with InvalidCommandError if raw is
// rejected by the preprocessor; no CommandInfo is created in that case.
func (q *Queue) Enqueue(raw string) (types.CommandId, error) {
	text, err := preprocess.Preprocess(raw)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	q.nextSeq++
	id := types.CommandId(fmt.Sprintf("cmd-%s-%d", q.sessionID, q.nextSeq))
	now := time.Now()
	info := &types.CommandInfo{
		SessionId:   q.sessionID,
		CommandId:   id,
		CommandText: text,
		State:       types.CommandQueued,
		QueuedTime:  now,
	}
	e := &entry{info: info, done: make(chan struct{}), cancelCh: make(chan types.CancelReason, 1)}
	q.entries[id] = e
	q.order = append(q.order, id)
	q.mu.Unlock()

	q.pending <- id
	q.publish(id, "", types.CommandQueued, now)
	return id, nil
}

func (q *Queue) publish(id types.CommandId, old types.CommandState, new types.CommandState, at time.Time) {
	if q.hub != nil {
		q.hub.PublishCommandStateChanged(q.sessionID, id, old, new, at)
	}
}

// GetInfo returns a snapshot of one command's info. It never blocks. Its
// one mutation is bookkeeping: the stored ReadCount is incremented before
// the snapshot is taken, so the returned clone already counts this read.
func (q *Queue) GetInfo(id types.CommandId) (*types.CommandInfo, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.info.ReadCount++
	return e.info.Clone(), true
}

// GetAllInfos returns a snapshot of every command this queue has ever held.
func (q *Queue) GetAllInfos() map[types.CommandId]*types.CommandInfo {
	q.mu.Lock()
	ids := make([]types.CommandId, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	entries := q.entries
	q.mu.Unlock()

	out := make(map[types.CommandId]*types.CommandInfo, len(ids))
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		out[id] = e.info.Clone()
		e.mu.Unlock()
	}
	return out
}

// Cancel requests cancellation of one command. Queued commands transition
// synchronously to Cancelled and are removed from the FIFO. Executing
// commands are signalled cooperatively; the caller of Cancel does not wait
// for the transition. Terminal commands return false.
func (q *Queue) Cancel(id types.CommandId, reason types.CancelReason) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	state := e.info.State
	e.mu.Unlock()

	switch state {
	case types.CommandQueued:
		q.removeFromOrder(id)
		q.complete(e, types.CommandCancelled, nil, cancelReasonMessage(reason))
		return true
	case types.CommandExecuting:
		select {
		case e.cancelCh <- reason:
		default:
		}
		return true
	default:
		return false
	}
}

// CancelAll cancels every non-terminal command on this queue and returns
// the count cancelled.
func (q *Queue) CancelAll(reason types.CancelReason) int {
	q.mu.Lock()
	ids := make([]types.CommandId, 0, len(q.entries))
	for id := range q.entries {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	count := 0
	for _, id := range ids {
		if q.Cancel(id, reason) {
			count++
		}
	}
	return count
}

func (q *Queue) removeFromOrder(id types.CommandId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// WaitForInfo blocks until id reaches a terminal state, or ctx is done.
func (q *Queue) WaitForInfo(ctx context.Context, id types.CommandId) (*types.CommandInfo, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, &types.NotFoundError{What: string(id)}
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Clone(), nil
}

// Next blocks until a queued command is available or ctx is done, then
// returns it for the consumer without marking it Executing. Returns
// ok=false if ctx ended first.
func (q *Queue) Next(ctx context.Context) (*QueuedCommand, bool) {
	for {
		q.mu.Lock()
		var id types.CommandId
		var found bool
		for len(q.order) > 0 {
			candidate := q.order[0]
			q.order = q.order[1:]
			if e, ok := q.entries[candidate]; ok {
				e.mu.Lock()
				stillQueued := e.info.State == types.CommandQueued
				e.mu.Unlock()
				if stillQueued {
					id = candidate
					found = true
					break
				}
			}
		}
		q.mu.Unlock()

		if found {
			e := q.entryFor(id)
			return &QueuedCommand{CommandId: id, Text: e.info.CommandText, Cancelled: e.cancelCh}, true
		}

		select {
		case <-q.pending:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) entryFor(id types.CommandId) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[id]
}

// MarkExecuting transitions a Queued command to Executing, setting
// start_time. Returns NotFoundError if the id is unknown.
func (q *Queue) MarkExecuting(id types.CommandId) error {
	e := q.entryFor(id)
	if e == nil {
		return &types.NotFoundError{What: string(id)}
	}

	e.mu.Lock()
	if e.info.State.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	old := e.info.State
	now := time.Now()
	e.info.State = types.CommandExecuting
	e.info.StartTime = &now
	e.mu.Unlock()

	q.publish(id, old, types.CommandExecuting, now)
	return nil
}

// Complete resolves a command into a terminal state with the given output
// and error text (either may be empty), publishing the final state-change
// event and closing its completion future.
func (q *Queue) Complete(id types.CommandId, state types.CommandState, output *string, errMsg *string) {
	e := q.entryFor(id)
	if e == nil {
		return
	}
	q.complete(e, state, output, errMsg)
}

func (q *Queue) complete(e *entry, state types.CommandState, output *string, errMsg *string) {
	e.mu.Lock()
	if e.info.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	old := e.info.State
	now := time.Now()
	e.info.State = state
	e.info.EndTime = &now
	e.info.AggregatedOutput = output
	e.info.ErrorMessage = errMsg
	id := e.info.CommandId
	e.mu.Unlock()

	close(e.done)
	q.publish(id, old, state, now)
}

// SetProcessId records the debugger pid a command ran under.
func (q *Queue) SetProcessId(id types.CommandId, pid int) {
	e := q.entryFor(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.info.ProcessId = &pid
	e.mu.Unlock()
}

func cancelReasonMessage(reason types.CancelReason) *string {
	s := (&types.CancelledError{Reason: reason}).Error()
	return &s
}
