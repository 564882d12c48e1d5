package sched

import "errors"

var (
	// errNoTaskForMessage is returned by the default
	// PrepareTaskForMessage when a module never returns status.TaskReq
	// and so never needs to supply one.
	errNoTaskForMessage = errors.New("sched: module does not provide tasks")
	// ErrUnknownReceiver names the case of a receiver that is neither
	// local nor served by any output gate. Dispatch does not return it;
	// it answers that case with an UnknownNode response.
	ErrUnknownReceiver = errors.New("sched: unknown receiver")
	// ErrNoModuleForInterface names the case of a command whose interface
	// prefix no registered module claims. Dispatch does not return it; it
	// answers that case with an UnkMsg response when no dispatcher is set.
	ErrNoModuleForInterface = errors.New("sched: no module for interface")
	// ErrSchedulerClosed is returned by Post once Stop has completed.
	ErrSchedulerClosed = errors.New("sched: scheduler is stopped")

	// errTaskDestroyed is the comm-error reason given to handlers released
	// because their owning task stopped before a response arrived.
	errTaskDestroyed = errors.New("sched: owning task destroyed")
	// errRequestTimeout is the comm-error reason given to handlers swept
	// for envelope-level timeout expiry.
	errRequestTimeout = errors.New("sched: request timed out")
)
