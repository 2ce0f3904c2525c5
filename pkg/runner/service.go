package runner

import "context"

// Service is a long-running component of the command history process: the
// queue connection or a maintenance task.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is ready. Work it schedules must
	// outlive ctx; the runner cancels ctx only to abort a slow start.
	Start(ctx context.Context) error

	// Stop releases the service within the deadline of ctx.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report readiness.
type HealthChecker interface {
	Service

	// HealthCheck returns an error while the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
