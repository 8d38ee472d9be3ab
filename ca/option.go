package ca

import "time"

const (
	defaultCacheSize     = 1000
	defaultLeafValidity  = 365 * 24 * time.Hour
	defaultCheckInterval = 10 * time.Minute
)

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) { f(o) }

type options struct {
	cacheSize     int
	cacheTTL      time.Duration
	leafValidity  time.Duration
	nextProtos    []string
	cacheObserver func(hit bool)
	now           func() time.Time
}

func newOptions(opt ...Option) *options {
	o := &options{
		cacheSize:    defaultCacheSize,
		leafValidity: defaultLeafValidity,
		nextProtos:   []string{"http/1.1"},
	}
	for _, fn := range opt {
		fn.apply(o)
	}
	if o.cacheTTL <= 0 {
		o.cacheTTL = o.leafValidity / 2
	}
	return o
}

// WithCacheSize bounds the number of cached host configurations.
func WithCacheSize(size int) Option {
	return OptionFunc(func(o *options) {
		if size > 0 {
			o.cacheSize = size
		}
	})
}

// WithCacheTTL overrides how long a host configuration stays cached.
// It defaults to half of the leaf validity.
func WithCacheTTL(ttl time.Duration) Option {
	return OptionFunc(func(o *options) { o.cacheTTL = ttl })
}

// WithLeafValidity sets the not-after offset of issued leaf certificates.
func WithLeafValidity(d time.Duration) Option {
	return OptionFunc(func(o *options) {
		if d > 0 {
			o.leafValidity = d
		}
	})
}

// WithNextProtos sets the ALPN protocols offered by issued server configurations,
// e.g. "h2", "http/1.1".
func WithNextProtos(protos ...string) Option {
	return OptionFunc(func(o *options) { o.nextProtos = protos })
}

// WithCacheObserver is called on every ServerConfig lookup.
func WithCacheObserver(fn func(hit bool)) Option {
	return OptionFunc(func(o *options) { o.cacheObserver = fn })
}

func withClock(now func() time.Time) Option {
	return OptionFunc(func(o *options) { o.now = now })
}
