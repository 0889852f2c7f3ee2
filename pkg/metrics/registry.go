// Package metrics provides Prometheus metrics collection for the connection
// engine.
//
// All metrics are optional - if the registry is not initialized, constructors
// return nil and the engine's nil-safe recording methods become no-ops. This
// allows the engine to run with or without metrics collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create the engine metrics instance
//	engineMetrics := metrics.NewEngineMetrics()
//
//	// Or pass nil for no-op behavior
//	manager, err := engine.NewManager(engine.Config{Metrics: nil})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// registry is the global Prometheus registry for all engine metrics.
	// Write-once through registryOnce, read-many afterwards.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. It is safe to
// call multiple times; subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global Prometheus registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return registry != nil
}
