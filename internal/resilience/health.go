package resilience

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status          HealthStatus      `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	Components      []ComponentHealth `json:"components"`
	Goroutines      int               `json:"goroutines"`
	MemoryAllocMB   uint64            `json:"memory_alloc_mb"`
	PanicRecoveries int64             `json:"panic_recoveries"`
}

// HealthMonitor runs registered component checks on demand.
type HealthMonitor struct {
	mu              sync.RWMutex
	startTime       time.Time
	components      map[string]HealthCheck
	panicRecoveries int64
}

// NewHealthMonitor creates a new health monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:  time.Now(),
		components: make(map[string]HealthCheck),
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every component check concurrently and aggregates the result.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	components := make(map[string]HealthCheck, len(m.components))
	for k, v := range m.components {
		components[k] = v
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(components))
	for name, check := range components {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()
			defer m.recoverPanic(n, results)

			start := time.Now()
			health := c(ctx)
			health.Name = n
			health.LastCheck = time.Now()
			health.Latency = time.Since(start)
			results <- health
		}(name, check)
	}
	wg.Wait()
	close(results)

	out := SystemHealth{Status: HealthStatusHealthy}
	for h := range results {
		out.Components = append(out.Components, h)
		switch h.Status {
		case HealthStatusUnhealthy:
			out.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if out.Status == HealthStatusHealthy {
				out.Status = HealthStatusDegraded
			}
		}
	}
	sort.Slice(out.Components, func(i, j int) bool { return out.Components[i].Name < out.Components[j].Name })

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	out.PanicRecoveries = m.panicRecoveries
	m.mu.RUnlock()
	out.StartTime = m.startTime
	out.Uptime = time.Since(m.startTime).Round(time.Second).String()
	out.Goroutines = runtime.NumGoroutine()
	out.MemoryAllocMB = memStats.Alloc / 1024 / 1024
	return out
}

func (m *HealthMonitor) recoverPanic(component string, results chan<- ComponentHealth) {
	if r := recover(); r != nil {
		m.mu.Lock()
		m.panicRecoveries++
		m.mu.Unlock()
		results <- ComponentHealth{
			Name:      component,
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("check panicked: %v", r),
			LastCheck: time.Now(),
		}
	}
}

// DatabaseHealthCheck creates a health check from a ping function.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

// BreakerHealthCheck reports degraded while any symbol's breaker is open.
func BreakerHealthCheck(r *CircuitBreakerRegistry) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		stats := r.AllStats()
		open := r.Open()
		h := ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]interface{}{"symbols": len(stats), "open": open},
		}
		if len(open) > 0 {
			h.Status = HealthStatusDegraded
			h.Message = "quotes unavailable for " + strings.Join(open, ", ")
		}
		return h
	}
}
