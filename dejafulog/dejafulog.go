// Package dejafulog is the ambient logging wrapper: a thin layer over the
// standard library's log.Logger, configured with the same functional-
// options pattern the teacher uses for MPCalContext (MPCalContextConfigFn
// in mpcalctx.go), adapted here to logger construction instead of context
// construction.
package dejafulog

import (
	"io"
	"log"
	"os"
)

// Logger is the engine's sole logging surface; code that wants to report
// progress (cmd/dejafu-demo) takes one of these rather than reaching for
// the global log package directly.
type Logger struct {
	*log.Logger
	verbose bool
}

// Option configures a Logger at construction time.
type Option func(*Logger)

// WithOutput redirects log output away from the default of os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(l *Logger) { l.SetOutput(w) }
}

// WithVerbose enables Debugf output; by default Debugf is a no-op.
func WithVerbose(v bool) Option {
	return func(l *Logger) { l.verbose = v }
}

// WithPrefix sets the logger's line prefix.
func WithPrefix(prefix string) Option {
	return func(l *Logger) { l.SetPrefix(prefix) }
}

// New returns a Logger writing to os.Stderr with standard flags, as
// configured by opts.
func New(opts ...Option) *Logger {
	l := &Logger{Logger: log.New(os.Stderr, "", log.LstdFlags)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Debugf logs only when the logger was constructed with WithVerbose(true).
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.verbose {
		l.Printf(format, args...)
	}
}
