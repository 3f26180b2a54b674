// health.go - Health monitoring for the settlement daemon
package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall daemon health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// Check runs one component check. A DegradedError marks the component degraded
// instead of unhealthy.
type Check func(ctx context.Context) error

// DegradedError reports a component that works with reduced capacity.
type DegradedError struct{ Reason string }

func (e *DegradedError) Error() string { return e.Reason }

// HealthChecker runs registered checks on demand.
type HealthChecker struct {
	mu         sync.Mutex
	components map[string]*ComponentHealth
	checks     map[string]Check
	startTime  time.Time
	version    string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]Check),
		startTime:  time.Now(),
		version:    version,
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = &ComponentHealth{Name: name, Status: Healthy, Message: "registered", LastCheck: time.Now()}
	hc.checks[name] = check
}

// CheckHealth runs every check and returns the aggregate.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))
	for name, component := range hc.components {
		start := time.Now()
		err := hc.checks[name](ctx)
		component.Latency = time.Since(start)
		component.LastCheck = time.Now()

		switch e := err.(type) {
		case nil:
			component.Status, component.Message = Healthy, "OK"
		case *DegradedError:
			component.Status, component.Message = Degraded, e.Reason
		default:
			component.Status, component.Message = Unhealthy, err.Error()
		}

		if component.Status == Unhealthy {
			overall = Unhealthy
		} else if component.Status == Degraded && overall == Healthy {
			overall = Degraded
		}
		components = append(components, *component)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}
