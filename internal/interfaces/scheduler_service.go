package interfaces

import "context"

// SchedulerService evaluates enabled jobs against their cron schedules
// and emits execution events for due ones.
type SchedulerService interface {
	Start() error
	Stop() error
	IsRunning() bool

	// EvaluateNow runs one evaluation pass outside the ticker, returning
	// the number of jobs dispatched. Used by tests and operator tooling.
	EvaluateNow(ctx context.Context) (int, error)
}
