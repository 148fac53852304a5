package api

import (
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// HealthChecker runs registered component probes on demand.
type HealthChecker struct {
	mu        sync.Mutex
	startTime time.Time
	version   string
	checkers  map[string]func() error
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]func() error),
	}
}

// RegisterComponent adds a probe. A nil error means healthy.
func (hc *HealthChecker) RegisterComponent(name string, checker func() error) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkers[name] = checker
}

// CheckHealth runs every probe, in name order.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	names := make([]string, 0, len(hc.checkers))
	for name := range hc.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := Healthy
	components := make([]ComponentHealth, 0, len(names))
	for _, name := range names {
		start := time.Now()
		err := hc.checkers[name]()
		c := ComponentHealth{
			Name:      name,
			Status:    Healthy,
			Message:   "OK",
			LastCheck: time.Now(),
			Latency:   time.Since(start),
		}
		if err != nil {
			c.Status = Unhealthy
			c.Message = err.Error()
			overall = Unhealthy
		}
		components = append(components, c)
	}

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}
