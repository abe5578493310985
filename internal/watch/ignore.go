package watch

import (
	"path"
	"strings"
)

// DefaultIgnoreDirs are directory names never descended into.
var DefaultIgnoreDirs = []string{".git", ".cratis", "node_modules"}

// Matcher decides which root relative paths are left out of the backup.
type Matcher struct {
	dirs     map[string]bool
	patterns []string
	include  []string
}

// NewMatcher builds a matcher from the default rules plus user exclude
// globs. A glob is matched against the whole relative path, against the
// file name, and against every leading directory, so "*.log", "build" and
// "cache/*" all behave as expected.
func NewMatcher(exclude []string) *Matcher {
	m := &Matcher{dirs: make(map[string]bool)}
	for _, d := range DefaultIgnoreDirs {
		m.dirs[d] = true
	}
	for _, pat := range exclude {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		m.patterns = append(m.patterns, strings.TrimSuffix(pat, "/"))
	}
	return m
}

// Only restricts m to the given root relative subtrees. Directories
// leading to an included subtree stay visible so walks can reach it.
func (m *Matcher) Only(dirs ...string) *Matcher {
	for _, d := range dirs {
		d = strings.Trim(path.Clean("/"+strings.ReplaceAll(d, "\\", "/")), "/")
		if d == "" {
			// The whole root is included.
			m.include = nil
			return m
		}
		m.include = append(m.include, d)
	}
	return m
}

func (m *Matcher) included(rel string, isDir bool) bool {
	if len(m.include) == 0 {
		return true
	}
	for _, inc := range m.include {
		if rel == inc || strings.HasPrefix(rel, inc+"/") {
			return true
		}
		if isDir && strings.HasPrefix(inc, rel+"/") {
			return true
		}
	}
	return false
}

// Ignore reports whether rel, a slash separated path relative to the
// watched root, should be skipped. isDir lets directories above an
// included subtree through.
func (m *Matcher) Ignore(rel string, isDir bool) bool {
	rel = strings.Trim(rel, "/")
	if rel == "" || rel == "." {
		return false
	}

	if !m.included(rel, isDir) {
		return true
	}

	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if m.dirs[part] {
			return true
		}
	}

	// Hidden directories anywhere in the path.
	for _, part := range parts[:len(parts)-1] {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	if isTemp(parts[len(parts)-1]) {
		return true
	}

	return m.excluded(rel, parts)
}

func (m *Matcher) excluded(rel string, parts []string) bool {
	for _, pat := range m.patterns {
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, parts[len(parts)-1]); ok {
			return true
		}
		for i := 1; i < len(parts); i++ {
			if ok, _ := path.Match(pat, strings.Join(parts[:i], "/")); ok {
				return true
			}
		}
	}
	return false
}

// isTemp matches the scratch files editors and tools leave next to the
// files being edited.
func isTemp(name string) bool {
	switch {
	case strings.HasPrefix(name, "."),
		strings.HasPrefix(name, "~"),
		strings.HasSuffix(name, ".tmp"),
		strings.HasSuffix(name, ".temp"),
		strings.HasSuffix(name, ".swp"),
		strings.HasSuffix(name, ".bak"),
		name == "4913":
		return true
	}
	return false
}
