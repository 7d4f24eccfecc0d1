// Package metrics exports breaker, provider and task metrics to Prometheus.
package metrics
