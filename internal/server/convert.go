package server

import (
	pb "github.com/capulus-code-ninja/cdb-nexus/api/gen"
	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/notify"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func sessionStateToProto(s types.SessionState) pb.SessionState {
	switch s {
	case types.SessionInitializing:
		return pb.SessionState_SESSION_STATE_INITIALIZING
	case types.SessionActive:
		return pb.SessionState_SESSION_STATE_ACTIVE
	case types.SessionClosing:
		return pb.SessionState_SESSION_STATE_CLOSING
	case types.SessionClosed:
		return pb.SessionState_SESSION_STATE_CLOSED
	case types.SessionFaulted:
		return pb.SessionState_SESSION_STATE_FAULTED
	default:
		return pb.SessionState_SESSION_STATE_UNSPECIFIED
	}
}

func commandStateToProto(s types.CommandState) pb.CommandState {
	switch s {
	case types.CommandQueued:
		return pb.CommandState_COMMAND_STATE_QUEUED
	case types.CommandExecuting:
		return pb.CommandState_COMMAND_STATE_EXECUTING
	case types.CommandCompleted:
		return pb.CommandState_COMMAND_STATE_COMPLETED
	case types.CommandCancelled:
		return pb.CommandState_COMMAND_STATE_CANCELLED
	case types.CommandTimeout:
		return pb.CommandState_COMMAND_STATE_TIMEOUT
	case types.CommandFailed:
		return pb.CommandState_COMMAND_STATE_FAILED
	default:
		return pb.CommandState_COMMAND_STATE_UNSPECIFIED
	}
}

func sessionToProto(info types.SessionInfo) *pb.Session {
	out := &pb.Session{
		SessionId:    string(info.SessionId),
		State:        sessionStateToProto(info.State),
		DumpPath:     info.DumpPath,
		SymbolPath:   info.SymbolPath,
		CreatedAt:    timestamppb.New(info.CreatedAt),
		LastActivity: timestamppb.New(info.LastActivity),
	}
	if info.ProcessId != nil {
		out.ProcessId = int32(*info.ProcessId)
	}
	return out
}

func commandToProto(info *types.CommandInfo) *pb.Command {
	out := &pb.Command{
		SessionId:   string(info.SessionId),
		CommandId:   string(info.CommandId),
		CommandText: info.CommandText,
		State:       commandStateToProto(info.State),
		QueuedTime:  timestamppb.New(info.QueuedTime),
		ReadCount:   int32(info.ReadCount),
	}
	if info.StartTime != nil {
		out.StartTime = timestamppb.New(*info.StartTime)
	}
	if info.EndTime != nil {
		out.EndTime = timestamppb.New(*info.EndTime)
	}
	if info.AggregatedOutput != nil {
		out.AggregatedOutput = *info.AggregatedOutput
	}
	if info.ErrorMessage != nil {
		out.ErrorMessage = *info.ErrorMessage
	}
	if info.ProcessId != nil {
		out.ProcessId = int32(*info.ProcessId)
	}
	return out
}

// eventToProto converts a notify.Event into its wire form. Returns nil for
// an empty event (should not occur in practice, but keeps WatchEvents from
// sending a payload-less Event).
func eventToProto(ev notify.Event) *pb.Event {
	switch {
	case ev.CommandStateChanged != nil:
		c := ev.CommandStateChanged
		return &pb.Event{Payload: &pb.Event_CommandStateChanged{CommandStateChanged: &pb.CommandStateChanged{
			SessionId: string(c.SessionId),
			CommandId: string(c.CommandId),
			OldState:  commandStateToProto(c.Old),
			NewState:  commandStateToProto(c.New),
			Timestamp: timestamppb.New(c.Timestamp),
		}}}
	case ev.SessionStateChanged != nil:
		c := ev.SessionStateChanged
		return &pb.Event{Payload: &pb.Event_SessionStateChanged{SessionStateChanged: &pb.SessionStateChanged{
			SessionId: string(c.SessionId),
			OldState:  sessionStateToProto(c.Old),
			NewState:  sessionStateToProto(c.New),
			Timestamp: timestamppb.New(c.Timestamp),
		}}}
	case ev.CommandHeartbeat != nil:
		c := ev.CommandHeartbeat
		return &pb.Event{Payload: &pb.Event_CommandHeartbeat{CommandHeartbeat: &pb.CommandHeartbeat{
			SessionId: string(c.SessionId),
			CommandId: string(c.CommandId),
			Elapsed:   durationpb.New(c.Elapsed),
			Timestamp: timestamppb.New(c.Timestamp),
		}}}
	default:
		return nil
	}
}
