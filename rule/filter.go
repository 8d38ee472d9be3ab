package rule

import (
	"fmt"
	"regexp"
	"strings"
)

type FilterKind uint8

const (
	FilterAll FilterKind = iota
	FilterDomain
	FilterDomainKeyword
	FilterDomainPrefix
	FilterDomainSuffix
	FilterURLRegex
)

func (k FilterKind) String() string {
	switch k {
	case FilterAll:
		return "all"
	case FilterDomain:
		return "domain"
	case FilterDomainKeyword:
		return "domain-keyword"
	case FilterDomainPrefix:
		return "domain-prefix"
	case FilterDomainSuffix:
		return "domain-suffix"
	case FilterURLRegex:
		return "url-regex"
	default:
		return fmt.Sprintf("filter(%d)", uint8(k))
	}
}

// Filter is a predicate over the request host or the full request URI.
type Filter struct {
	Kind  FilterKind
	Value string

	re *regexp.Regexp
}

func All() Filter { return Filter{Kind: FilterAll} }
func Domain(d string) Filter { return Filter{Kind: FilterDomain, Value: d} }
func DomainKeyword(kw string) Filter { return Filter{Kind: FilterDomainKeyword, Value: kw} }
func DomainPrefix(prefix string) Filter { return Filter{Kind: FilterDomainPrefix, Value: prefix} }
func DomainSuffix(suffix string) Filter { return Filter{Kind: FilterDomainSuffix, Value: suffix} }
func URLRegex(pattern string) Filter { return Filter{Kind: FilterURLRegex, Value: pattern} }

// Init normalizes the filter. Domain kinds are lower-cased and URL patterns
// are compiled through rc. Calling it again has no further effect.
func (f *Filter) Init(rc *RegexCache) error {
	switch f.Kind {
	case FilterAll:
		return nil
	case FilterDomain, FilterDomainKeyword, FilterDomainPrefix, FilterDomainSuffix:
		if f.Value == "" {
			return fmt.Errorf("%s filter: empty value", f.Kind)
		}
		f.Value = strings.ToLower(f.Value)
		return nil
	case FilterURLRegex:
		re, err := rc.Get(f.Value)
		if err != nil {
			return fmt.Errorf("%s filter: %w", f.Kind, err)
		}
		f.re = re
		return nil
	default:
		return fmt.Errorf("unknown filter kind %d", uint8(f.Kind))
	}
}

// Match reports whether the request identified by host and uri is selected.
// Host comparison is case-insensitive; the uri is matched as given.
func (f *Filter) Match(host, uri string) bool {
	host = strings.ToLower(host)
	switch f.Kind {
	case FilterAll:
		return true
	case FilterDomain:
		return host == f.Value
	case FilterDomainKeyword:
		return strings.Contains(host, f.Value)
	case FilterDomainPrefix:
		return strings.HasPrefix(host, f.Value)
	case FilterDomainSuffix:
		return strings.HasSuffix(host, f.Value)
	case FilterURLRegex:
		return f.re != nil && f.re.MatchString(uri)
	}
	return false
}

// MITMPattern returns the host glob implied by the filter. URL patterns
// imply none.
func (f *Filter) MITMPattern() (string, bool) {
	switch f.Kind {
	case FilterAll:
		return "*", true
	case FilterDomain:
		return f.Value, true
	case FilterDomainKeyword:
		return "*" + f.Value + "*", true
	case FilterDomainPrefix:
		return f.Value + "*", true
	case FilterDomainSuffix:
		return "*" + f.Value, true
	}
	return "", false
}

func (f Filter) String() string {
	if f.Kind == FilterAll {
		return f.Kind.String()
	}
	return f.Kind.String() + ":" + f.Value
}
