// Package eventlog tracks coarse-grained progress of a batch operation
// as a named stage advancing task-by-task, generalized from the
// teacher's internal/logs/store.go per-request log-stream idiom into an
// in-memory stage/task progress tracker rather than a persisted stream.
package eventlog

import (
	"sync/atomic"

	"github.com/oriys/stratus/internal/logging"
)

// Stage is one named unit of batch progress, e.g. "Creating missing vms".
type Stage struct {
	name string
	size int

	completed int64
	failed    int64
}

// OpenStage starts a stage of the given size and logs its start, mirroring
// the teacher's log-on-entry convention.
func OpenStage(name string, size int) *Stage {
	s := &Stage{name: name, size: size}
	logging.Op().Info("eventlog: stage opened", "stage", name, "size", size)
	return s
}

// Advance records one more completed task in the stage.
func (s *Stage) Advance() {
	done := atomic.AddInt64(&s.completed, 1)
	logging.Op().Debug("eventlog: task advanced", "stage", s.name, "completed", done, "size", s.size)
}

// Fail records one more failed task in the stage without stopping it.
func (s *Stage) Fail(err error) {
	n := atomic.AddInt64(&s.failed, 1)
	logging.Op().Warn("eventlog: task failed", "stage", s.name, "failed", n, "error", err)
}

// Finish logs the stage's final tally.
func (s *Stage) Finish() {
	logging.Op().Info("eventlog: stage finished",
		"stage", s.name,
		"completed", atomic.LoadInt64(&s.completed),
		"failed", atomic.LoadInt64(&s.failed),
		"size", s.size,
	)
}
