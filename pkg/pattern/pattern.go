// Package pattern matches hostnames against blocklist patterns.
//
// Pattern forms:
//
//   - Exact (no prefix): case-insensitive host match.
//     "ads.example.com" matches "ADS.example.com" only.
//
//   - Wildcard (*): case-insensitive, * matches any run of characters including dots.
//     "*.doubleclick.net" matches "ad.doubleclick.net" and "a.b.doubleclick.net".
//
//   - Regexp (~): case-sensitive regular expression.
//
//   - Regexp (~*): case-insensitive regular expression.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the matching strategy of a compiled pattern
type Kind int

const (
	KindExact Kind = iota
	KindWildcard
	KindRegexp
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindRegexp:
		return "regexp"
	default:
		return "unknown"
	}
}

// Pattern is a compiled host pattern
type Pattern struct {
	Source string
	Kind   Kind
	body   string
	re     *regexp.Regexp
}

// Compile parses a single pattern. Surrounding whitespace is ignored.
func Compile(source string) (*Pattern, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{Source: source}
	switch {
	case strings.HasPrefix(source, "~*"):
		p.Kind = KindRegexp
		p.body = "(?i)" + source[2:]
	case strings.HasPrefix(source, "~"):
		p.Kind = KindRegexp
		p.body = source[1:]
	case strings.Contains(source, "*"):
		p.Kind = KindWildcard
		p.body = strings.ToLower(source)
	default:
		p.Kind = KindExact
		p.body = strings.ToLower(source)
	}

	if p.Kind == KindRegexp {
		re, err := regexp.Compile(p.body)
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", source, err)
		}
		p.re = re
	}
	return p, nil
}

// Match reports whether host matches the pattern
func (p *Pattern) Match(host string) bool {
	if p == nil {
		return false
	}

	switch p.Kind {
	case KindRegexp:
		return p.re.MatchString(host)
	case KindWildcard:
		return MatchWildcard(strings.ToLower(host), p.body)
	default:
		return strings.ToLower(host) == p.body
	}
}

// MatchWildcard matches text against a pattern where * stands for any sequence of characters.
// Matching is case-sensitive; callers lowercase both sides when needed.
func MatchWildcard(text, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return text == pattern
	}

	first, last := parts[0], parts[len(parts)-1]
	if len(text) < len(first)+len(last) ||
		!strings.HasPrefix(text, first) || !strings.HasSuffix(text, last) {
		return false
	}
	text = text[len(first) : len(text)-len(last)]

	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(text, part)
		if idx < 0 {
			return false
		}
		text = text[idx+len(part):]
	}
	return true
}

// List is an ordered set of compiled patterns
type List []*Pattern

// CompileList compiles every non-blank entry. The first invalid entry aborts compilation.
func CompileList(sources []string) (List, error) {
	list := make(List, 0, len(sources))
	for _, src := range sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		p, err := Compile(src)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

// Match returns the first pattern matching host, or nil
func (l List) Match(host string) *Pattern {
	for _, p := range l {
		if p.Match(host) {
			return p
		}
	}
	return nil
}
