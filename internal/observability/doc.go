// Package observability builds the service's zap logger, its Prometheus
// collectors, and the OpenTelemetry tracer provider.
package observability
