package types

import "testing"

func TestPermission_Level(t *testing.T) {
	tests := []struct {
		perm     Permission
		expected int
	}{
		{PermNone, 0},
		{PermView, 1},
		{PermRead, 2},
		{PermWrite, 3},
		{Permission("unknown"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.perm), func(t *testing.T) {
			if got := tt.perm.Level(); got != tt.expected {
				t.Errorf("Permission(%q).Level() = %d, want %d", tt.perm, got, tt.expected)
			}
		})
	}
}

func TestPermission_Comparison(t *testing.T) {
	// Test that permission levels are correctly ordered
	if PermNone.Level() >= PermView.Level() {
		t.Error("PermNone should be less than PermView")
	}
	if PermView.Level() >= PermRead.Level() {
		t.Error("PermView should be less than PermRead")
	}
	if PermRead.Level() >= PermWrite.Level() {
		t.Error("PermRead should be less than PermWrite")
	}
}

func TestCommandState_IsTerminal(t *testing.T) {
	terminal := []CommandState{CommandCompleted, CommandCancelled, CommandTimeout, CommandFailed}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}

	nonTerminal := []CommandState{CommandQueued, CommandExecuting}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestCommandInfo_Clone(t *testing.T) {
	out := "module1\n"
	info := &CommandInfo{
		SessionId:        "sess-1",
		CommandId:        "cmd-sess-1-1",
		State:            CommandCompleted,
		AggregatedOutput: &out,
	}

	clone := info.Clone()
	*clone.AggregatedOutput = "mutated"

	if *info.AggregatedOutput != "module1\n" {
		t.Errorf("Clone did not deep-copy AggregatedOutput, original was mutated: %q", *info.AggregatedOutput)
	}
}
