package router

import (
	"path"
	"sort"
	"strings"

	"github.com/zen-systems/modelgate/pkg/config"
)

// FamilySet matches task names against family glob patterns.
type FamilySet struct {
	// Compiled patterns ordered by specificity (more literal characters first)
	patterns []compiledPattern
}

type compiledPattern struct {
	family  string
	pattern string
	literal int
}

// NewFamilySet compiles the family patterns of a snapshot.
func NewFamilySet(snap *config.Snapshot) *FamilySet {
	fs := &FamilySet{}
	for name, fam := range snap.Families() {
		for _, p := range fam.Patterns {
			fs.patterns = append(fs.patterns, compiledPattern{
				family:  name,
				pattern: p,
				literal: literalLen(p),
			})
		}
	}

	sort.Slice(fs.patterns, func(i, j int) bool {
		a, b := fs.patterns[i], fs.patterns[j]
		if a.literal != b.literal {
			return a.literal > b.literal
		}
		if len(a.pattern) != len(b.pattern) {
			return len(a.pattern) > len(b.pattern)
		}
		if a.family != b.family {
			return a.family < b.family
		}
		return a.pattern < b.pattern
	})
	return fs
}

// Match returns the family of task, or "" when no pattern matches.
func (fs *FamilySet) Match(task string) string {
	for _, p := range fs.patterns {
		if ok, _ := path.Match(p.pattern, task); ok {
			return p.family
		}
	}
	return ""
}

// MatchAny reports whether task matches any of patterns.
func MatchAny(patterns []string, task string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, task); ok {
			return true
		}
	}
	return false
}

func literalLen(pattern string) int {
	n := 0
	for _, r := range pattern {
		if !strings.ContainsRune("*?[]", r) {
			n++
		}
	}
	return n
}
