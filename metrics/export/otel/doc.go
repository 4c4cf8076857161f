// Package otel publishes engine metrics through an OpenTelemetry Meter.
//
// [NewOTelExporter] registers one Int64ObservableCounter per engine counter
// and one Int64ObservableGauge per latency bucket. A single callback reads
// [tenantauth.Engine.MetricsSnapshot] on each collection.
//
// Callers own the MeterProvider.
package otel
