// Package ignore implements a gitignore-semantics path matcher used by
// the sync reconciler to skip temp files and user-excluded paths.
//
// Grounded on watcher.Watcher.shouldExclude's pattern-matching shape
// (filepath.Match plus a "**"-component special case), generalized to
// full gitignore precedence: later patterns override earlier ones, a
// leading "!" negates, a pattern rooted with a leading "/" matches only
// at depth 0 relative to the mount root, and a bare filename pattern
// matches at any depth.
package ignore

import (
	"path/filepath"
	"strings"
)

// Matcher holds an ordered list of gitignore-style patterns.
type Matcher struct {
	rules []rule
}

type rule struct {
	pattern string
	negate  bool
	rooted  bool
	dirOnly bool
}

// BuiltinRules are always active regardless of user configuration, per
// spec.md §4.5: temp files `~*`, `.~lock.*`, `~*.tmp`.
var BuiltinRules = []string{"~*", ".~lock.*", "~*.tmp"}

// New builds a Matcher from a list of gitignore-style pattern lines,
// with BuiltinRules always appended last (so they win ties, matching
// "built-in rules for temp files").
func New(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.add(p)
	}
	for _, p := range BuiltinRules {
		m.add(p)
	}
	return m
}

func (m *Matcher) add(p string) {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "#") {
		return
	}
	r := rule{pattern: p}
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	if strings.HasPrefix(p, "/") {
		r.rooted = true
		p = strings.TrimPrefix(p, "/")
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	r.pattern = p
	m.rules = append(m.rules, r)
}

// IsMatch reports whether relPath (relative to the mount root, using
// forward slashes) should be ignored. isDir indicates whether relPath
// names a directory.
//
// Property 8: IsMatch is false whenever relPath does not share the
// mount root as a prefix; callers are expected to have already made
// relPath relative (a non-relative, ".."-escaping path is simply never
// matched by any rule here since the pattern space is purely relative).
func (m *Matcher) IsMatch(relPath string, isDir bool) bool {
	if relPath == "" || strings.HasPrefix(relPath, "..") {
		return false
	}
	relPath = filepath.ToSlash(relPath)

	matched := false
	for _, r := range m.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if matchRule(r, relPath) {
			matched = !r.negate
		}
	}
	return matched
}

func matchRule(r rule, relPath string) bool {
	name := relPath
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		name = relPath[idx+1:]
	}

	if r.rooted {
		// Rooted patterns match only at depth 0, but may still contain
		// interior slashes (e.g. "/build/output").
		ok, _ := filepath.Match(r.pattern, relPath)
		return ok
	}

	if strings.Contains(r.pattern, "/") {
		// Patterns with interior slashes (but not rooted) match against
		// any suffix-aligned path component run.
		parts := strings.Split(relPath, "/")
		for i := range parts {
			candidate := strings.Join(parts[i:], "/")
			if ok, _ := filepath.Match(r.pattern, candidate); ok {
				return true
			}
		}
		return false
	}

	// Bare filename pattern: matches the base name at every depth.
	ok, _ := filepath.Match(r.pattern, name)
	return ok
}
