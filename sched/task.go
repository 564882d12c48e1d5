package sched

import (
	"time"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
)

// TaskStatus is the lifecycle state of a Task within its owning Scheduler.
type TaskStatus int

const (
	TaskNew TaskStatus = iota
	TaskRunning
	TaskStopping
	TaskStopped
	TaskSleeping
)

// Task is a unit of work that lives across multiple scheduler run() steps,
// as opposed to a Module's synchronous, stateless dispatch. Tasks are
// owned by exactly one Scheduler.
type Task interface {
	// ID is the task's unique identifier within its owning scheduler.
	ID() string
	// Name is a human-readable label, not necessarily unique.
	Name() string
	// Priority maps to a run-step time-slice budget; 0 means default.
	Priority() int
	// Status reports the task's current lifecycle state.
	Status() TaskStatus

	// NeedsRun reports whether the scheduler should invoke RunStep this
	// cycle (false while sleeping and wake_at is in the future, or once
	// stopped).
	NeedsRun(now time.Time) bool
	// IsDaemon reports whether this task should be excluded from the
	// "zero non-daemon tasks" idle check used by RequestStop.
	IsDaemon() bool
	// RunStep advances the task by one scheduling slice.
	RunStep()

	// HandleMessage processes an inbound envelope addressed to this task,
	// writing a response body (if any) through the response callback.
	HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value))
	// HandleResponse processes a correlated response to a request this
	// task previously sent via a handler it owns.
	HandleResponse(resp envelope.Envelope)
	// AcceptsMessage reports whether this task is a willing recipient for
	// the given command, used by modules that return TaskReq to pick a
	// home for the newly created task.
	AcceptsMessage(command string) bool

	// RequestStop asks the task to begin stopping; RunStep should
	// transition to TaskStopped once cleanup finishes.
	RequestStop()

	// SleepFor suspends the task until the given duration elapses.
	SleepFor(d time.Duration)
	// IsSleeping reports whether the task is currently suspended.
	IsSleeping() bool
}

// BaseTask implements the bookkeeping common to most Task
// implementations (status, priority, sleep/wake) so concrete tasks only
// need to supply RunStep/HandleMessage/HandleResponse/AcceptsMessage.
type BaseTask struct {
	TaskID   string
	TaskName string
	TaskPrio int
	Daemon   bool
	status   TaskStatus
	wakeAt   time.Time
	sleeping bool
}

func (b *BaseTask) ID() string         { return b.TaskID }
func (b *BaseTask) Name() string       { return b.TaskName }
func (b *BaseTask) Priority() int      { return b.TaskPrio }
func (b *BaseTask) Status() TaskStatus { return b.status }
func (b *BaseTask) IsDaemon() bool     { return b.Daemon }

func (b *BaseTask) NeedsRun(now time.Time) bool {
	if b.status == TaskStopped {
		return false
	}
	if b.sleeping {
		if now.Before(b.wakeAt) {
			return false
		}
		b.sleeping = false
	}
	return true
}

func (b *BaseTask) RequestStop() {
	if b.status != TaskStopped {
		b.status = TaskStopping
	}
}

func (b *BaseTask) SleepFor(d time.Duration) {
	b.sleeping = true
	b.wakeAt = time.Now().Add(d)
}

func (b *BaseTask) IsSleeping() bool { return b.sleeping }

// MarkRunning transitions a new task into the running state; call once
// from a concrete task's first RunStep.
func (b *BaseTask) MarkRunning() {
	if b.status == TaskNew {
		b.status = TaskRunning
	}
}

// MarkStopped transitions a stopping task to stopped; call from a
// concrete task's RunStep once its cleanup is complete.
func (b *BaseTask) MarkStopped() {
	b.status = TaskStopped
}
