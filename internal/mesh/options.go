package mesh

import (
	"log/slog"
	"time"

	"github.com/roach88/weft/internal/engine"
)

type settings struct {
	limits  Limits
	accepts func(class string) bool
	ids     IDGenerator
	secrets IDGenerator
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
	events  <-chan engine.StateEvent
}

func defaultSettings() settings {
	return settings{
		limits:  DefaultLimits(),
		accepts: func(string) bool { return true },
		ids:     UUIDv7Generator{},
		secrets: SecretGenerator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Option configures a Coordinator.
type Option func(*settings)

// WithLimits replaces the default limits.
func WithLimits(l Limits) Option {
	return func(s *settings) { s.limits = l }
}

// WithAccepts restricts the op classes accepted from peers, typically to
// the ones the object's model applies.
func WithAccepts(accepts func(class string) bool) Option {
	return func(s *settings) { s.accepts = accepts }
}

// WithMetrics records sync activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithIDGenerator sets the request id generator. Tests use a
// FixedGenerator for reproducible ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *settings) { s.ids = g }
}

// WithSecretGenerator sets the omission proof secret generator.
func WithSecretGenerator(g IDGenerator) Option {
	return func(s *settings) { s.secrets = g }
}

// WithClock sets the time source used for timeouts.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithStateEvents subscribes the coordinator to the synced object's state
// events, typically engine.Object.Events(). Each applied op is marked as
// held and the state is announced again when it changed.
func WithStateEvents(events <-chan engine.StateEvent) Option {
	return func(s *settings) { s.events = events }
}
