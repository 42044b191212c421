package worker

import (
	"preflight-upload/pkg/logger"
)

// Dispatcher detaches a task from the request that scheduled it. The
// orchestrator dispatches at most one extraction task per job, on the
// uploaded -> processing transition; there is no cancellation, a dispatched
// task runs to completion or failure.
type Dispatcher interface {
	Dispatch(task func())
}

// Background runs tasks on their own goroutine, recovering panics so a bad
// task cannot take the process down.
type Background struct {
	logger *logger.Logger
}

func NewBackground(l *logger.Logger) *Background {
	return &Background{logger: l}
}

func (d *Background) Dispatch(task func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil && d.logger != nil {
				d.logger.Errorf("background task panicked: %v", r)
			}
		}()
		task()
	}()
}
