package health

import (
	"context"
	"sync"
	"time"

	"github.com/mediarelay/relay/internal/infra/storage"
	"github.com/mediarelay/relay/internal/pipeline/breaker"
	"github.com/mediarelay/relay/internal/pipeline/metrics"
	"github.com/mediarelay/relay/internal/pipeline/ratelimit"
)

// Pinger checks whether a backing store is reachable. Satisfied by the
// postgres DB wrapper and the redis client.
type Pinger interface {
	Health(ctx context.Context) error
}

// Monitor aggregates health status from the pipeline's components.
type Monitor struct {
	limiters []*ratelimit.Limiter
	breakers []*breaker.Breaker
	jobs     storage.DeliveryJobRepository
	stores   []Pinger

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport Report
}

// NewMonitor creates a health monitor. Breakers are matched to limiters by
// dependency name; unmatched entries still appear in the report.
func NewMonitor(
	limiters []*ratelimit.Limiter,
	breakers []*breaker.Breaker,
	jobs storage.DeliveryJobRepository,
	stores ...Pinger,
) *Monitor {
	return &Monitor{
		limiters: limiters,
		breakers: breakers,
		jobs:     jobs,
		stores:   stores,
	}
}

// CheckHealth builds the current health report. Results are cached for a few
// seconds so status probes don't hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < 5*time.Second && m.lastReport.Dependencies != nil {
		return m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Storage:      StatusHealthy,
		Dependencies: make(map[string]DependencyHealth),
	}

	open := make(map[string]bool, len(m.breakers))
	for _, b := range m.breakers {
		open[b.Name()] = b.IsOpen()
	}

	for _, l := range m.limiters {
		dep := DependencyHealth{
			Name:             l.Name(),
			Status:           StatusHealthy,
			ConservativeMode: l.InConservativeMode(),
			HourlyRequests:   l.HourlyRequestCount(),
			CircuitOpen:      open[l.Name()],
		}
		delete(open, l.Name())

		if dep.CircuitOpen {
			dep.Status = StatusCritical
		} else if dep.ConservativeMode {
			dep.Status = StatusDegraded
		}
		report.Dependencies[dep.Name] = dep
	}

	// Breakers with no matching limiter (per-transport circuits).
	for name, isOpen := range open {
		dep := DependencyHealth{Name: name, Status: StatusHealthy, CircuitOpen: isOpen}
		if isOpen {
			dep.Status = StatusCritical
		}
		report.Dependencies[name] = dep
	}

	if count, err := m.jobs.CountPending(ctx); err == nil {
		report.PendingJobs = count
		metrics.PendingJobs.Set(float64(count))
	} else {
		report.Storage = StatusCritical
	}

	for _, store := range m.stores {
		if err := store.Health(ctx); err != nil {
			report.Storage = StatusCritical
		}
	}

	for _, dep := range report.Dependencies {
		if dep.Status == StatusCritical {
			report.SystemStatus = StatusCritical
			break
		}
		if dep.Status == StatusDegraded {
			report.SystemStatus = StatusDegraded
		}
	}
	if report.Storage == StatusCritical {
		report.SystemStatus = StatusCritical
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
