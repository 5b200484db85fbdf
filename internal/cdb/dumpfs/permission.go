package dumpfs

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// permissionEngine is the default rule-based PermissionEngine.
type permissionEngine struct {
	rules []types.PermissionRule
}

// UpdateRules replaces the rule set, sorted by priority, then by pattern
// type (file > directory > glob), then by pattern specificity so the most
// precise applicable rule always wins a tie.
func (pe *permissionEngine) UpdateRules(rules []types.PermissionRule) {
	pe.rules = make([]types.PermissionRule, len(rules))
	copy(pe.rules, rules)

	sort.Slice(pe.rules, func(i, j int) bool {
		if pe.rules[i].Priority != pe.rules[j].Priority {
			return pe.rules[i].Priority > pe.rules[j].Priority
		}
		ti, tj := patternTypePriority(pe.rules[i].Type), patternTypePriority(pe.rules[j].Type)
		if ti != tj {
			return ti > tj
		}
		return patternSpecificity(pe.rules[i].Pattern) > patternSpecificity(pe.rules[j].Pattern)
	})
}

func patternSpecificity(pattern string) int {
	specificity := 0
	if strings.HasPrefix(pattern, "/") {
		specificity += 100
	}
	if !strings.HasPrefix(pattern, "**") {
		specificity += 50
	}
	if idx := strings.Index(pattern, "**"); idx > 0 {
		specificity += idx
	}
	if !strings.Contains(pattern, "*") {
		specificity += 200
	}
	return specificity
}

func patternTypePriority(t types.PatternType) int {
	switch t {
	case types.PatternFile:
		return 3
	case types.PatternDirectory:
		return 2
	case types.PatternGlob:
		return 1
	default:
		return 0
	}
}

// GetPermission returns the effective permission for path: the highest
// priority matching rule, or PermNone (invisible) if nothing matches.
func (pe *permissionEngine) GetPermission(path string) types.Permission {
	path = normalizePath(path)
	for _, rule := range pe.rules {
		if matchRule(rule, path) {
			return rule.Permission
		}
	}
	return types.PermNone
}

func matchRule(rule types.PermissionRule, path string) bool {
	pattern := normalizePath(rule.Pattern)

	switch rule.Type {
	case types.PatternFile:
		return path == pattern

	case types.PatternDirectory:
		if !strings.HasSuffix(pattern, "/") {
			pattern += "/"
		}
		return path == strings.TrimSuffix(pattern, "/") || strings.HasPrefix(path+"/", pattern) || strings.HasPrefix(path, pattern)

	case types.PatternGlob:
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
		if strings.Contains(pattern, "**") {
			return matchDoubleGlob(pattern, path)
		}
		return false

	default:
		return false
	}
}

func matchDoubleGlob(pattern, path string) bool {
	if strings.HasPrefix(pattern, "**/") {
		suffix := strings.TrimPrefix(pattern, "**/")
		matched, _ := filepath.Match(suffix, filepath.Base(path))
		return matched
	}

	parts := strings.Split(pattern, "**")
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	prefixClean := strings.TrimSuffix(prefix, "/")

	if prefixClean != "" {
		if path == prefixClean {
			return true
		}
		if !strings.HasPrefix(path, prefixClean+"/") && !strings.HasPrefix(path, prefix) {
			return false
		}
	}

	if suffix == "" {
		return true
	}
	if strings.HasPrefix(suffix, "/") {
		matched, _ := filepath.Match(strings.TrimPrefix(suffix, "/"), filepath.Base(path))
		return matched
	}
	return strings.HasSuffix(path, suffix)
}

// normalizePath prepares a path for rule matching. Unlike a POSIX codebase
// tree, dump/symbol paths name Windows artifacts: cdb.exe itself reports
// module and symbol paths with backslash separators (e.g. from `lm` or
// `.sympath`), and NTFS path comparison is case-insensitive, so a rule
// written as "/Symbols/ntdll.pdb" must still match a FUSE lookup for
// "ntdll.PDB" under the mounted symbol cache. Both sides of every match
// go through this, so rule patterns and looked-up paths end up in the same
// canonical form.
func normalizePath(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.ToLower(filepath.Clean(path))
}

// CheckView reports whether path may be listed (name visible).
func (pe *permissionEngine) CheckView(path string) error {
	perm := pe.GetPermission(path)
	if perm.Level() < types.PermView.Level() {
		return &types.PermissionError{Path: path, Operation: "view", Permission: perm, Required: types.PermView}
	}
	return nil
}

// CheckRead reports whether path's content may be read.
func (pe *permissionEngine) CheckRead(path string) error {
	perm := pe.GetPermission(path)
	if perm.Level() < types.PermRead.Level() {
		return &types.PermissionError{Path: path, Operation: "read", Permission: perm, Required: types.PermRead}
	}
	return nil
}
