// Package scope implements the canonicalization and disjointness algebra
// that keeps concurrently-running agent workspaces from touching the same
// files: every SubTask scope is normalized to a single canonical form
// before containment or overlap is ever decided.
package scope

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultRoot is the fallback directory under which a planner-generated
// scope is relocated when it collides with one already accepted.
const DefaultRoot = "workspace"

var wildcardPattern = regexp.MustCompile(`[\\*?\[]`)

// Canonicalize normalizes a raw scope string: backslashes become forward
// slashes, leading/trailing slashes are stripped, the value is truncated at
// the first wildcard metacharacter, and an optional project-root prefix is
// stripped. An empty result means "entire repository".
func Canonicalize(raw, projectRootPrefix string) string {
	s := strings.Trim(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"), "/")
	if s == "" {
		return ""
	}
	if loc := wildcardPattern.FindStringIndex(s); loc != nil {
		s = strings.TrimRight(s[:loc[0]], "/")
	}
	if projectRootPrefix == "" {
		return s
	}
	if s == projectRootPrefix {
		return ""
	}
	if strings.HasPrefix(s, projectRootPrefix+"/") {
		return s[len(projectRootPrefix)+1:]
	}
	return s
}

// InScope reports whether path falls under scope. An empty canonical scope
// matches everything. path is matched both as given and with an optional
// projectRootPrefix re-applied, so a changed file reported with the repo's
// root-prefix still resolves against a scope that had the prefix stripped.
func InScope(path, scope, projectRootPrefix string) bool {
	canon := Canonicalize(scope, projectRootPrefix)
	if canon == "" {
		return true
	}

	rel := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	if rel == canon || strings.HasPrefix(rel, canon+"/") {
		return true
	}

	if projectRootPrefix != "" {
		prefixed := projectRootPrefix + "/" + canon
		if rel == prefixed || strings.HasPrefix(rel, prefixed+"/") {
			return true
		}
		if strings.HasPrefix(rel, projectRootPrefix+"/") {
			rel = rel[len(projectRootPrefix)+1:]
			return rel == canon || strings.HasPrefix(rel, canon+"/")
		}
	}
	return false
}

// ScopesOverlap reports whether two scopes cannot coexist as disjoint
// workspaces: an empty scope overlaps with anything, otherwise two scopes
// overlap iff they are equal or one is a path-prefix of the other.
func ScopesOverlap(a, b, projectRootPrefix string) bool {
	ca := Canonicalize(a, projectRootPrefix)
	cb := Canonicalize(b, projectRootPrefix)
	if ca == "" || cb == "" {
		return true
	}
	if ca == cb {
		return true
	}
	return strings.HasPrefix(ca, cb+"/") || strings.HasPrefix(cb, ca+"/")
}

// Scoped is the minimal shape NormalizeDisjoint needs from a plan item.
type Scoped struct {
	Name  string
	Scope string
}

// NormalizeDisjoint walks items in order and rewrites any scope that
// overlaps one already accepted: first to "{fallbackRoot}/{name}", then, if
// that still collides, to "{fallbackRoot}/{name}-{k}" for increasing k.
// When there is only a single item, an empty scope is left alone (it
// legitimately means "entire repository"); with multiple items an empty
// scope is treated as "{fallbackRoot}/{name}" up front, since every item
// must end up with a private slice of the tree.
func NormalizeDisjoint(items []Scoped, projectRootPrefix, fallbackRoot string) []Scoped {
	if fallbackRoot == "" {
		fallbackRoot = DefaultRoot
	}

	hasMany := len(items) > 1
	used := make([]string, 0, len(items))
	out := make([]Scoped, 0, len(items))

	for _, item := range items {
		candidate := Canonicalize(item.Scope, projectRootPrefix)
		if candidate == "" && hasMany {
			candidate = fmt.Sprintf("%s/%s", fallbackRoot, item.Name)
		}

		if overlapsAny(candidate, used, projectRootPrefix) {
			candidate = fmt.Sprintf("%s/%s", fallbackRoot, item.Name)
		}
		for suffix := 1; overlapsAny(candidate, used, projectRootPrefix); suffix++ {
			candidate = fmt.Sprintf("%s/%s-%d", fallbackRoot, item.Name, suffix)
		}

		out = append(out, Scoped{Name: item.Name, Scope: candidate})
		used = append(used, candidate)
	}
	return out
}

func overlapsAny(candidate string, used []string, projectRootPrefix string) bool {
	for _, existing := range used {
		if ScopesOverlap(candidate, existing, projectRootPrefix) {
			return true
		}
	}
	return false
}

var singleFilePattern = regexp.MustCompile(`(?i)\b(?:create|add|write|update|edit|modify)\s+(?:exactly\s+)?(?:one|single)\s+file\s+` + "`?\"?'?" + `([A-Za-z0-9_./\\-]+\.[A-Za-z0-9_+-]+)`)

// DetectSingleFileDirective looks for a "create/add/write/update/edit/modify
// [exactly] one/single file <path>" directive in free-form task text and, if
// found, returns its canonicalized scope.
func DetectSingleFileDirective(task, projectRootPrefix string) (string, bool) {
	text := strings.TrimSpace(task)
	if text == "" {
		return "", false
	}
	m := singleFilePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return Canonicalize(m[1], projectRootPrefix), true
}
