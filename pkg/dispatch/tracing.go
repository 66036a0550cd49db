package dispatch

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "miren.dev/dispatch"

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Propagator carries trace context across transports.
func Propagator() propagation.TextMapPropagator {
	return otel.GetTextMapPropagator()
}

func (c *Coordinator[T]) spanName() string {
	return "dispatch.call." + c.method.Service + "." + c.method.Name
}
