// Package rule selects rules for an HTTP exchange and runs their request and
// response action pipelines.
package rule

import (
	"fmt"
	"regexp"
)

type Rule struct {
	Name    string
	Filters []Filter
	Actions []Action
	// MITMList holds extra host globs to intercept besides the ones derived
	// from Filters.
	MITMList []string
}

func (r *Rule) init(rc *RegexCache) error {
	if len(r.Filters) == 0 {
		return fmt.Errorf("rule %q: no filters", r.Name)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: no actions", r.Name)
	}
	for i := range r.Filters {
		if err := r.Filters[i].Init(rc); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	for i := range r.Actions {
		if err := r.Actions[i].init(rc); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// Match reports whether any filter of the rule selects the request.
func (r *Rule) Match(host, uri string) bool {
	for i := range r.Filters {
		if r.Filters[i].Match(host, uri) {
			return true
		}
	}
	return false
}

// MITMPatterns returns the explicit MITM globs followed by the ones derived
// from the filters.
func (r *Rule) MITMPatterns() []string {
	patterns := make([]string, 0, len(r.MITMList)+len(r.Filters))
	patterns = append(patterns, r.MITMList...)
	for i := range r.Filters {
		if p, ok := r.Filters[i].MITMPattern(); ok {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// redirectRegex returns the first URL-regex filter matching uri.
func (r *Rule) redirectRegex(uri string) (*regexp.Regexp, bool) {
	var hasRegex bool
	for i := range r.Filters {
		f := &r.Filters[i]
		if f.Kind != FilterURLRegex || f.re == nil {
			continue
		}
		hasRegex = true
		if f.re.MatchString(uri) {
			return f.re, true
		}
	}
	return nil, hasRegex
}

func (r *Rule) hasResponseActions() bool {
	for i := range r.Actions {
		if r.Actions[i].responsePhase() {
			return true
		}
	}
	return false
}

// expandFirst replaces the first match of re in src with template, expanding
// capture group references.
func expandFirst(re *regexp.Regexp, src, template string) string {
	m := re.FindStringSubmatchIndex(src)
	if m == nil {
		return src
	}
	dst := make([]byte, 0, len(src)+len(template))
	dst = append(dst, src[:m[0]]...)
	dst = re.ExpandString(dst, template, src, m)
	dst = append(dst, src[m[1]:]...)
	return string(dst)
}
