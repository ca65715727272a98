package policy

import (
	"path"
	"path/filepath"
	"strings"
)

// CheckPath rejects paths that escape the workspace or touch a blocked
// location. Absolute paths are accepted only when they resolve inside the
// workspace root.
func (e *Engine) CheckPath(p string) error {
	rel := p
	if filepath.IsAbs(p) {
		if e.workspace == "" {
			return violation(ErrPathTraversal, p)
		}
		r, err := filepath.Rel(e.workspace, filepath.Clean(p))
		if err != nil {
			return violation(ErrPathTraversal, p)
		}
		rel = r
	}
	slashed := filepath.ToSlash(rel)
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return violation(ErrPathTraversal, p)
		}
	}
	if e.pathBlocked(strings.ToLower(slashed)) {
		return violation(ErrSecretPath, p)
	}
	return nil
}

func (e *Engine) pathBlocked(lowered string) bool {
	for _, rule := range e.blockPaths {
		if isGlobPattern(rule) {
			if globRuleMatches(rule, lowered) {
				return true
			}
			continue
		}
		if strings.Contains(lowered, rule) {
			return true
		}
	}
	return false
}

func isGlobPattern(rule string) bool {
	return strings.ContainsAny(rule, "*?[")
}

// globRuleMatches tries the rule as a shell pattern against the path and
// every component suffix of it ("**/" matches any leading directories). If
// no form matches, the rule is relaxed to its literal text and searched for
// as a substring.
func globRuleMatches(rule, lowered string) bool {
	pattern := strings.TrimPrefix(rule, "**/")
	parts := strings.Split(strings.TrimPrefix(lowered, "./"), "/")
	for i := range parts {
		if ok, err := path.Match(pattern, strings.Join(parts[i:], "/")); err == nil && ok {
			return true
		}
		if ok, err := path.Match(pattern, parts[i]); err == nil && ok {
			return true
		}
	}
	relaxed := strings.NewReplacer("**/", "", "*", "", "?", "").Replace(rule)
	return relaxed != "" && strings.Contains(lowered, relaxed)
}
