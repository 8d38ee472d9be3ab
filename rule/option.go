package rule

import "github.com/sirupsen/logrus"

const defaultMaxBodySize = 16 << 20

type Option interface {
	apply(*options)
}

type OptionFunc func(*options)

func (f OptionFunc) apply(o *options) { f(o) }

type options struct {
	logger         logrus.FieldLogger
	evaluator      ScriptEvaluator
	maxBodySize    int64
	regexCacheSize int
	matchObserver  func(rule string)
}

func newOptions(opt ...Option) *options {
	o := &options{
		logger:         logrus.StandardLogger(),
		maxBodySize:    defaultMaxBodySize,
		regexCacheSize: defaultRegexCacheSize,
	}
	for _, fn := range opt {
		fn.apply(o)
	}
	return o
}

func WithLogger(logger logrus.FieldLogger) Option {
	return OptionFunc(func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithScriptEvaluator enables js actions.
func WithScriptEvaluator(evaluator ScriptEvaluator) Option {
	return OptionFunc(func(o *options) { o.evaluator = evaluator })
}

// WithMaxBodySize bounds how much of a body is buffered for rewriting.
// Larger bodies pass through unmodified.
func WithMaxBodySize(size int64) Option {
	return OptionFunc(func(o *options) {
		if size > 0 {
			o.maxBodySize = size
		}
	})
}

func WithRegexCacheSize(size int) Option {
	return OptionFunc(func(o *options) {
		if size > 0 {
			o.regexCacheSize = size
		}
	})
}

// WithMatchObserver is called with the rule name each time a rule matches.
func WithMatchObserver(fn func(rule string)) Option {
	return OptionFunc(func(o *options) { o.matchObserver = fn })
}
