package guard

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/rpcguard/internal/fallback"
	"github.com/ppiankov/rpcguard/internal/naming"
)

// Option configures a Coordinator at creation time.
type Option func(*Coordinator)

// WithNaming sets the resource naming policy.
func WithNaming(cfg naming.Config) Option {
	return func(c *Coordinator) { c.naming = cfg }
}

// WithFallback sets the handler invoked on denial.
func WithFallback(h fallback.Handler) Option {
	return func(c *Coordinator) {
		if h != nil {
			c.fallback = h
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver adds an observer notified of admissions and denials.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider used for call spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}
