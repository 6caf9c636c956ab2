package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		prefix string
		want   string
	}{
		{name: "plain relative path", raw: "src/handlers", want: "src/handlers"},
		{name: "backslashes normalized", raw: `src\handlers`, want: "src/handlers"},
		{name: "leading and trailing slashes stripped", raw: "/src/handlers/", want: "src/handlers"},
		{name: "wildcard truncates", raw: "src/handlers/*.go", want: "src/handlers"},
		{name: "question mark truncates", raw: "src/ab?cd", want: "src/ab"},
		{name: "bracket truncates", raw: "src/[abc]", want: "src"},
		{name: "empty is entire repository", raw: "   ", want: ""},
		{name: "bare project root collapses to empty", raw: "proj", prefix: "proj", want: ""},
		{name: "project root prefix stripped", raw: "proj/src/handlers", prefix: "proj", want: "src/handlers"},
		{name: "unrelated path keeps prefix-looking text", raw: "projector/file.go", prefix: "proj", want: "projector/file.go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.raw, tt.prefix))
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{"src/handlers", `a\b\c/`, "x/y/*.go", "", "proj/sub", "weird[chars]"}
	for _, in := range inputs {
		first := Canonicalize(in, "proj")
		second := Canonicalize(first, "proj")
		assert.Equal(t, first, second, "canonicalizing an already-canonical scope must be a no-op: %q", in)
	}
}

func TestInScope(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		scope  string
		prefix string
		want   bool
	}{
		{name: "empty scope matches everything", path: "any/file.go", scope: "", want: true},
		{name: "exact match", path: "src/handlers", scope: "src/handlers", want: true},
		{name: "nested match", path: "src/handlers/foo.go", scope: "src/handlers", want: true},
		{name: "sibling directory does not match", path: "src/handlers2/foo.go", scope: "src/handlers", want: false},
		{name: "outside scope", path: "other/file.go", scope: "src/handlers", want: false},
		{name: "path carries root prefix scope does not", path: "proj/src/handlers/foo.go", scope: "src/handlers", prefix: "proj", want: true},
		{name: "scope carries root prefix explicitly", path: "src/handlers/foo.go", scope: "proj/src/handlers", prefix: "proj", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InScope(tt.path, tt.scope, tt.prefix))
		})
	}
}

func TestScopesOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "identical scopes overlap", a: "src/a", b: "src/a", want: true},
		{name: "empty overlaps anything", a: "", b: "src/a", want: true},
		{name: "both empty overlap", a: "", b: "", want: true},
		{name: "prefix relationship overlaps", a: "src", b: "src/a", want: true},
		{name: "reverse prefix relationship overlaps", a: "src/a", b: "src", want: true},
		{name: "disjoint siblings do not overlap", a: "src/a", b: "src/b", want: false},
		{name: "partial name match is not a prefix", a: "src/a", b: "src/ab", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopesOverlap(tt.a, tt.b, ""))
		})
	}
}

func TestNormalizeDisjointPairwiseDisjoint(t *testing.T) {
	items := []Scoped{
		{Name: "agent-a", Scope: "src/shared"},
		{Name: "agent-b", Scope: "src/shared"},
		{Name: "agent-c", Scope: "src/shared/nested"},
		{Name: "agent-d", Scope: ""},
	}

	out := NormalizeDisjoint(items, "", "workspace")
	assert.Len(t, out, len(items))

	for i := range out {
		for j := i + 1; j < len(out); j++ {
			assert.False(t, ScopesOverlap(out[i].Scope, out[j].Scope, ""),
				"expected %q and %q to be disjoint after normalization", out[i].Scope, out[j].Scope)
		}
	}
}

func TestNormalizeDisjointRelocatesCollisionsUnderFallback(t *testing.T) {
	items := []Scoped{
		{Name: "agent-a", Scope: "src"},
		{Name: "agent-b", Scope: "src"},
	}
	out := NormalizeDisjoint(items, "", "workspace")

	assert.Equal(t, "src", out[0].Scope)
	assert.Equal(t, "workspace/agent-b", out[1].Scope)
}

func TestNormalizeDisjointSuffixesOnRepeatedCollision(t *testing.T) {
	items := []Scoped{
		{Name: "agent-a", Scope: "workspace/agent-b"},
		{Name: "agent-b", Scope: "workspace/agent-b"},
		{Name: "agent-c", Scope: "workspace/agent-b"},
	}
	out := NormalizeDisjoint(items, "", "workspace")

	assert.Equal(t, "workspace/agent-b", out[0].Scope)
	assert.Equal(t, "workspace/agent-b-1", out[1].Scope)
	assert.Equal(t, "workspace/agent-c", out[2].Scope)
}

func TestNormalizeDisjointSingleItemEmptyScopeStaysEntireRepo(t *testing.T) {
	out := NormalizeDisjoint([]Scoped{{Name: "agent-implementation", Scope: ""}}, "", "workspace")
	assert.Equal(t, "", out[0].Scope)
}

func TestDetectSingleFileDirective(t *testing.T) {
	tests := []struct {
		name     string
		task     string
		wantOK   bool
		wantPath string
	}{
		{
			name:     "create one file",
			task:     "Please create exactly one file `src/config.go` with defaults.",
			wantOK:   true,
			wantPath: "src/config.go",
		},
		{
			name:     "update single file",
			task:     "update single file internal/util.go to add logging",
			wantOK:   true,
			wantPath: "internal/util.go",
		},
		{
			name:   "no directive present",
			task:   "Refactor the authentication module across the codebase.",
			wantOK: false,
		},
		{
			name:   "empty task",
			task:   "   ",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectSingleFileDirective(tt.task, "")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPath, got)
			}
		})
	}
}
