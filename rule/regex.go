package rule

import (
	"fmt"
	"regexp"

	"github.com/josexy/goodmitm/internal/cache"
)

const defaultRegexCacheSize = 128

// RegexCache memoizes compiled patterns by their source text. It is safe for
// concurrent use and is shared by every filter and text modification of a
// Handler.
type RegexCache struct {
	entries cache.Cache[string, *regexp.Regexp]
}

func NewRegexCache(size int) *RegexCache {
	if size <= 0 {
		size = defaultRegexCacheSize
	}
	return &RegexCache{
		entries: cache.NewStringCache[*regexp.Regexp](
			cache.WithCapacity(size),
			cache.WithStdGoTimeUnixNano(),
		),
	}
}

// Get returns the compiled form of pattern, compiling it on a miss.
func (rc *RegexCache) Get(pattern string) (*regexp.Regexp, error) {
	if re, err := rc.entries.Get(pattern); err == nil {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	rc.entries.Set(pattern, re)
	return re, nil
}

func (rc *RegexCache) Len() int { return rc.entries.Len() }

func (rc *RegexCache) Stop() { rc.entries.Stop() }
