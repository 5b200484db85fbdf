package queue

import (
	"context"
	"testing"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

func TestQueue_EnqueueAssignsMonotoneIds(t *testing.T) {
	q := New("sess-1", nil)

	id1, err := q.Enqueue("lm")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	id2, err := q.Enqueue("k")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if id1 != "cmd-sess-1-1" || id2 != "cmd-sess-1-2" {
		t.Errorf("got ids %q, %q", id1, id2)
	}
}

func TestQueue_EnqueueRejectsInvalidCommand(t *testing.T) {
	q := New("sess-1", nil)
	_, err := q.Enqueue("   ")
	if err == nil {
		t.Fatalf("expected rejection of blank command")
	}
	if _, ok := q.GetAllInfos()[""]; ok {
		t.Errorf("rejected command should not create a CommandInfo")
	}
	if len(q.GetAllInfos()) != 0 {
		t.Errorf("expected no commands recorded after a rejected enqueue")
	}
}

func TestQueue_GetInfoReturnsSnapshotAndIncrementsReadCount(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")

	info1, ok := q.GetInfo(id)
	if !ok {
		t.Fatalf("expected info to exist")
	}
	if info1.ReadCount != 1 {
		t.Errorf("expected ReadCount 1, got %d", info1.ReadCount)
	}

	info2, _ := q.GetInfo(id)
	if info2.ReadCount != 2 {
		t.Errorf("expected ReadCount 2, got %d", info2.ReadCount)
	}

	if info1.State != types.CommandQueued {
		t.Errorf("expected Queued state, got %s", info1.State)
	}
}

func TestQueue_CancelQueuedCommandIsSynchronous(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")

	ok := q.Cancel(id, types.CancelUserRequest)
	if !ok {
		t.Fatalf("expected Cancel to succeed on a Queued command")
	}

	info, _ := q.GetInfo(id)
	if info.State != types.CommandCancelled {
		t.Errorf("expected Cancelled, got %s", info.State)
	}
	if info.EndTime == nil {
		t.Errorf("expected EndTime to be set")
	}
}

func TestQueue_CancelTerminalCommandReturnsFalse(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")
	q.Cancel(id, types.CancelUserRequest)

	if q.Cancel(id, types.CancelUserRequest) {
		t.Errorf("expected second Cancel on a terminal command to return false")
	}
}

func TestQueue_CancelExecutingIsCooperative(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")
	if err := q.MarkExecuting(id); err != nil {
		t.Fatalf("MarkExecuting failed: %v", err)
	}

	ok := q.Cancel(id, types.CancelTimeout)
	if !ok {
		t.Fatalf("expected Cancel to succeed for Executing command")
	}

	// State must not flip synchronously; it's up to the consumer to observe
	// the cancel signal and call Complete.
	info, _ := q.GetInfo(id)
	if info.State != types.CommandExecuting {
		t.Errorf("expected state to remain Executing until consumer completes it, got %s", info.State)
	}
}

func TestQueue_CancelAllCancelsNonTerminal(t *testing.T) {
	q := New("sess-1", nil)
	id1, _ := q.Enqueue("lm")
	id2, _ := q.Enqueue("k")
	q.Cancel(id1, types.CancelUserRequest)

	count := q.CancelAll(types.CancelSessionClose)
	if count != 1 {
		t.Errorf("expected 1 newly-cancelled command, got %d", count)
	}

	info2, _ := q.GetInfo(id2)
	if info2.State != types.CommandCancelled {
		t.Errorf("expected id2 cancelled, got %s", info2.State)
	}
}

func TestQueue_WaitForInfoResolvesOnCompletion(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")

	done := make(chan *types.CommandInfo, 1)
	go func() {
		info, err := q.WaitForInfo(context.Background(), id)
		if err != nil {
			t.Errorf("WaitForInfo failed: %v", err)
			return
		}
		done <- info
	}()

	time.Sleep(10 * time.Millisecond)
	output := "result body"
	q.MarkExecuting(id)
	q.Complete(id, types.CommandCompleted, &output, nil)

	select {
	case info := <-done:
		if info.State != types.CommandCompleted {
			t.Errorf("expected Completed, got %s", info.State)
		}
		if info.AggregatedOutput == nil || *info.AggregatedOutput != output {
			t.Errorf("expected output %q, got %v", output, info.AggregatedOutput)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForInfo did not resolve in time")
	}
}

func TestQueue_WaitForInfoRespectsContextCancellation(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.WaitForInfo(ctx, id)
	if err == nil {
		t.Fatalf("expected WaitForInfo to return an error when the context expires")
	}
}

func TestQueue_NextReturnsInSubmissionOrder(t *testing.T) {
	q := New("sess-1", nil)
	id1, _ := q.Enqueue("lm")
	id2, _ := q.Enqueue("k")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	qc1, ok := q.Next(ctx)
	if !ok || qc1.CommandId != id1 {
		t.Fatalf("expected first Next to return %s, got %v (ok=%v)", id1, qc1, ok)
	}
	q.MarkExecuting(qc1.CommandId)
	q.Complete(qc1.CommandId, types.CommandCompleted, nil, nil)

	qc2, ok := q.Next(ctx)
	if !ok || qc2.CommandId != id2 {
		t.Fatalf("expected second Next to return %s, got %v (ok=%v)", id2, qc2, ok)
	}
}

func TestQueue_CompleteIsIdempotent(t *testing.T) {
	q := New("sess-1", nil)
	id, _ := q.Enqueue("lm")
	q.MarkExecuting(id)

	out1 := "first"
	out2 := "second"
	q.Complete(id, types.CommandCompleted, &out1, nil)
	q.Complete(id, types.CommandFailed, &out2, nil)

	info, _ := q.GetInfo(id)
	if info.State != types.CommandCompleted {
		t.Errorf("expected first Complete to win, got state %s", info.State)
	}
	if info.AggregatedOutput == nil || *info.AggregatedOutput != out1 {
		t.Errorf("expected first output to be retained")
	}
}

func TestQueue_PublishesStateChangeEvents(t *testing.T) {
	hub := notify.New()
	ch, unsubscribe := hub.Subscribe(16)
	defer unsubscribe()

	q := New("sess-1", hub)
	id, _ := q.Enqueue("lm")
	q.MarkExecuting(id)
	q.Complete(id, types.CommandCompleted, nil, nil)

	var states []types.CommandState
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			if ev.CommandStateChanged != nil {
				states = append(states, ev.CommandStateChanged.New)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected 3 state-change events, got %d", len(states))
		}
	}

	want := []types.CommandState{types.CommandQueued, types.CommandExecuting, types.CommandCompleted}
	for i, w := range want {
		if states[i] != w {
			t.Errorf("event %d: got %s, want %s", i, states[i], w)
		}
	}
}
