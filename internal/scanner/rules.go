package scanner

import (
	"path/filepath"
	"strings"
)

// Rules selects which entries the walker yields.
//
// Globs match the base name. Exclude globs and path substrings apply to both
// directories and files; include globs and extension lists apply to files only.
type Rules struct {
	Include      []string // Keep files whose base name matches any glob (empty = all)
	Exclude      []string // Drop entries whose base name matches any glob
	ExcludePaths []string // Drop entries whose path contains any substring
	IncludeExt   []string // Keep only these extensions (empty = all)
	ExcludeExt   []string // Drop these extensions
}

// compiled is Rules with extensions normalized for lookup.
type compiled struct {
	Rules
	includeExt map[string]bool
	excludeExt map[string]bool
}

func (r Rules) compile() *compiled {
	return &compiled{
		Rules:      r,
		includeExt: extSet(r.IncludeExt),
		excludeExt: extSet(r.ExcludeExt),
	}
}

// extSet lowercases extensions and adds the leading dot when missing.
func extSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		return nil
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// skipDir reports whether the walker must not descend into path.
func (c *compiled) skipDir(path string) bool {
	return c.excludedPath(path) || matchAny(c.Exclude, filepath.Base(path))
}

// keepFile reports whether path is a candidate file.
func (c *compiled) keepFile(path string) bool {
	base := filepath.Base(path)
	if c.excludedPath(path) || matchAny(c.Exclude, base) {
		return false
	}
	if len(c.Include) > 0 && !matchAny(c.Include, base) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if c.includeExt != nil && !c.includeExt[ext] {
		return false
	}
	return !c.excludeExt[ext]
}

func (c *compiled) excludedPath(path string) bool {
	for _, sub := range c.ExcludePaths {
		if sub != "" && strings.Contains(path, sub) {
			return true
		}
	}
	return false
}

// matchAny reports whether base matches any glob. Invalid patterns never match.
func matchAny(patterns []string, base string) bool {
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
