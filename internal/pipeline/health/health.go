// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// DependencyHealth reports the throttle and circuit state guarding one
// external dependency.
type DependencyHealth struct {
	Name             string       `json:"name"`
	Status           SystemStatus `json:"status"`
	ConservativeMode bool         `json:"conservative_mode"`
	HourlyRequests   int          `json:"hourly_requests"`
	CircuitOpen      bool         `json:"circuit_open"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus                `json:"system_status"`
	PendingJobs  int                         `json:"pending_jobs"`
	Storage      SystemStatus                `json:"storage"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
}
