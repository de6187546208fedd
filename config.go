package lsmengine

import log "github.com/sirupsen/logrus"

// settings holds the ambient, non-domain-shaped knobs of an Engine: the
// logger it reports flush/rotation/recovery events to. dir, partSize, and
// threshold are not here — §4.5 pins them as Open's required positional
// arguments, not optional configuration.
type settings struct {
	logger   *log.Logger
	logLevel log.Level
}

// Option configures an Engine at Open time, following the usual functional-
// options style.
type Option func(*settings)

// WithLogger directs engine log output to a caller-supplied logrus logger,
// instead of the default which writes to <dir>/engine.log.
func WithLogger(logger *log.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithLogLevel sets the minimum level the engine's own logger emits at. It
// has no effect when combined with WithLogger, since the caller owns that
// logger's configuration.
func WithLogLevel(level log.Level) Option {
	return func(s *settings) { s.logLevel = level }
}

func defaultSettings() *settings {
	return &settings{
		logLevel: log.WarnLevel,
	}
}

func generateSettings(opts ...Option) *settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}
	return s
}
