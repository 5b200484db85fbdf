package dumpfs

import (
	"testing"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

func TestPermissionEngine_FilePattern(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: "/crash.dmp", Type: types.PatternFile, Permission: types.PermRead, Priority: 10},
		{Pattern: "/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 1},
	}
	pe := NewPermissionEngine(rules)

	tests := []struct {
		path     string
		expected types.Permission
	}{
		{"/crash.dmp", types.PermRead},
		{"/other.dmp", types.PermNone},
		{"/sub/crash.dmp", types.PermNone},
	}
	for _, tt := range tests {
		if got := pe.GetPermission(tt.path); got != tt.expected {
			t.Errorf("GetPermission(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}

func TestPermissionEngine_DirectoryPattern(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: "/symbols/", Type: types.PatternDirectory, Permission: types.PermRead, Priority: 10},
		{Pattern: "/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 1},
	}
	pe := NewPermissionEngine(rules)

	tests := []struct {
		path     string
		expected types.Permission
	}{
		{"/symbols", types.PermRead},
		{"/symbols/ntdll.pdb", types.PermRead},
		{"/symbols/sub/a.pdb", types.PermRead},
		{"/other/symbols/a.pdb", types.PermNone},
	}
	for _, tt := range tests {
		if got := pe.GetPermission(tt.path); got != tt.expected {
			t.Errorf("GetPermission(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}

func TestPermissionEngine_GlobDoubleStar(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: "/secrets/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 20},
		{Pattern: "/**/*.pdb", Type: types.PatternGlob, Permission: types.PermRead, Priority: 10},
	}
	pe := NewPermissionEngine(rules)

	if got := pe.GetPermission("/symbols/ntdll.pdb"); got != types.PermRead {
		t.Errorf("expected PermRead for a .pdb under symbols, got %q", got)
	}
	if got := pe.GetPermission("/secrets/ntdll.pdb"); got != types.PermNone {
		t.Errorf("expected the higher-priority secrets rule to win, got %q", got)
	}
}

func TestPermissionEngine_PriorityAndSpecificityOrdering(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: "/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 1},
		{Pattern: "/dumps/", Type: types.PatternDirectory, Permission: types.PermRead, Priority: 1},
	}
	pe := NewPermissionEngine(rules)

	if got := pe.GetPermission("/dumps/crash.dmp"); got != types.PermRead {
		t.Errorf("expected the more specific directory rule to win at equal priority, got %q", got)
	}
}

func TestPermissionEngine_CheckReadAndCheckView(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: "/dumps/", Type: types.PatternDirectory, Permission: types.PermView, Priority: 10},
		{Pattern: "/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 1},
	}
	pe := NewPermissionEngine(rules)

	if err := pe.CheckView("/dumps/crash.dmp"); err != nil {
		t.Errorf("expected view to be allowed: %v", err)
	}
	if err := pe.CheckRead("/dumps/crash.dmp"); err == nil {
		t.Errorf("expected read to be denied at view-only permission")
	}
	if err := pe.CheckView("/other/crash.dmp"); err == nil {
		t.Errorf("expected view to be denied outside any granting rule")
	}
}

// TestPermissionEngine_WindowsPathsAreCaseAndSeparatorInsensitive exercises
// the dump/symbol-domain adaptation: cdb.exe reports module and symbol
// paths with backslash separators and NTFS-style case insensitivity, so a
// rule must match regardless of the path's case or separator style.
func TestPermissionEngine_WindowsPathsAreCaseAndSeparatorInsensitive(t *testing.T) {
	rules := []types.PermissionRule{
		{Pattern: `\Symbols\ntdll.pdb`, Type: types.PatternFile, Permission: types.PermRead, Priority: 10},
		{Pattern: "/**", Type: types.PatternGlob, Permission: types.PermNone, Priority: 1},
	}
	pe := NewPermissionEngine(rules)

	tests := []struct {
		path     string
		expected types.Permission
	}{
		{`\Symbols\ntdll.pdb`, types.PermRead},
		{"/symbols/ntdll.pdb", types.PermRead},
		{"/SYMBOLS/NTDLL.PDB", types.PermRead},
		{`\symbols\NtDll.Pdb`, types.PermRead},
	}
	for _, tt := range tests {
		if got := pe.GetPermission(tt.path); got != tt.expected {
			t.Errorf("GetPermission(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}

func TestPermissionEngine_UpdateRulesReplacesPreviousSet(t *testing.T) {
	pe := NewPermissionEngine([]types.PermissionRule{
		{Pattern: "/a", Type: types.PatternFile, Permission: types.PermRead, Priority: 1},
	})
	if got := pe.GetPermission("/a"); got != types.PermRead {
		t.Fatalf("expected initial rule to apply")
	}

	pe.UpdateRules([]types.PermissionRule{
		{Pattern: "/b", Type: types.PatternFile, Permission: types.PermRead, Priority: 1},
	})
	if got := pe.GetPermission("/a"); got != types.PermNone {
		t.Errorf("expected the old rule to no longer apply after UpdateRules, got %q", got)
	}
	if got := pe.GetPermission("/b"); got != types.PermRead {
		t.Errorf("expected the new rule to apply, got %q", got)
	}
}
