// Package prometheus renders engine metrics in the Prometheus text format.
//
// Counters are named tenantauth_*_total; the latency histogram is
// tenantauth_operation_latency_seconds. Nothing is registered globally;
// mount [PrometheusExporter.Handler] where you need it.
package prometheus
