package preprocess

import (
	"errors"
	"testing"

	"github.com/capulus-code-ninja/cdb-nexus/internal/cdb/framer"
	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

func TestPreprocess_Valid(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"lm", "lm"},
		{"  lm", "  lm"}, // leading whitespace preserved
		{"lm   ", "lm"},  // trailing whitespace trimmed
		{"!analyze -v", "!analyze -v"},
	}

	for _, tt := range tests {
		got, err := Preprocess(tt.raw)
		if err != nil {
			t.Errorf("Preprocess(%q) returned error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Errorf("Preprocess(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPreprocess_RejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		_, err := Preprocess(raw)
		if err == nil {
			t.Errorf("Preprocess(%q) should reject empty/whitespace input", raw)
		}
		var ice *types.InvalidCommandError
		if !errors.As(err, &ice) {
			t.Errorf("Preprocess(%q) error should be InvalidCommandError, got %T", raw, err)
		}
	}
}

func TestPreprocess_RejectsTerminatingCommands(t *testing.T) {
	for _, raw := range []string{"q", "qq", "qd", "Q", " q ", ".detach"} {
		_, err := Preprocess(raw)
		if err == nil {
			t.Errorf("Preprocess(%q) should reject a terminating command", raw)
		}
	}
}

func TestPreprocess_RejectsSentinelInjection(t *testing.T) {
	raw := "r; .echo " + framer.StartSentinel
	_, err := Preprocess(raw)
	if err == nil {
		t.Fatalf("Preprocess should reject a command containing a sentinel literal")
	}
	if !errors.Is(err, types.ErrInvalidCommand) {
		t.Errorf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestPreprocess_NonTerminatingCommandsStartingWithQAreAllowed(t *testing.T) {
	// "qvalidate" is not a terminating alias, only an exact match is rejected.
	got, err := Preprocess("qvalidate")
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if got != "qvalidate" {
		t.Errorf("got %q", got)
	}
}
