// Package sched implements the per-node cooperative scheduler (C4/C5):
// the event loop that owns tasks and modules, dispatches inbound
// envelopes, routes outbound ones through gates, and correlates
// request-ids to handlers.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/errutils"
	"oss.nandlabs.io/gridmesh/gate"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/status"
)

// NodeController is the optional hook a node factory installs so that
// core.create_node/shutdown_node/restart_node can reach outside this
// single scheduler's own process slot (spec.md §4.5 glossary). A
// scheduler with no controller installed answers those commands with
// status.WrongCfg.
type NodeController interface {
	CreateNode(name string, cfg rt.Value) error
	ShutdownNode(name string) error
	RestartNode(name string) error
}

// Scheduler is a single node's cooperative event loop (spec.md §4.4).
type Scheduler struct {
	node   string
	logger l3.Logger

	mutex    sync.Mutex
	inGates  []gate.InputGate
	outGates []gate.OutputGate
	modules  map[string]Module
	tasks    map[string]Task

	registry       *addr.Registry
	dispatcher     addr.Address
	hasDispatcher  bool
	directory      addr.Address
	hasDirectory   bool

	nextReqID int64
	handlers  *handlerTable

	pending []envelope.Envelope // FIFO of envelopes awaiting dispatch this/next step

	LogProcTime bool
	LogMessages bool
	TraceMsgs   bool
	trace       *Trace

	varsMutex sync.RWMutex
	vars      map[string]rt.Value

	stopOnIdle bool
	stopped    bool

	NodeCtrl NodeController

	lastRunDur time.Duration // exponentially-smoothed average, for yield sleep selection

	lc lifecycleState
}

// New creates a scheduler for the given node name with an empty registry.
func New(node string) *Scheduler {
	s := &Scheduler{
		node:     node,
		logger:   l3.Get(),
		modules:  make(map[string]Module),
		tasks:    make(map[string]Task),
		registry: addr.NewRegistry(),
		handlers: newHandlerTable(),
		trace:    NewTrace(256),
		vars:     make(map[string]rt.Value),
	}
	s.RegisterModule(newCoreModule(s))
	return s
}

// Node returns the node name this scheduler owns.
func (s *Scheduler) Node() string { return s.node }

// Registry returns the address registry backing this scheduler's role
// and name resolution.
func (s *Scheduler) Registry() *addr.Registry { return s.registry }

// AddInputGate registers an input gate to be drained each Run step.
func (s *Scheduler) AddInputGate(g gate.InputGate) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.inGates = append(s.inGates, g)
}

// AddOutputGate registers an output gate that outbound envelopes for its
// protocol are routed to.
func (s *Scheduler) AddOutputGate(g gate.OutputGate) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.outGates = append(s.outGates, g)
}

// RegisterModule claims every interface prefix the module declares. A
// later registration for an already-claimed prefix replaces the earlier
// one, mirroring "first matching module wins" being a property of
// dispatch order rather than registration order once only one module per
// interface is kept.
func (s *Scheduler) RegisterModule(m Module) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, iface := range m.SupportedInterfaces() {
		s.modules[iface] = m
	}
}

// AddTask installs a task under this scheduler's ownership.
func (s *Scheduler) AddTask(t Task) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[t.ID()] = t
}

// Task returns the task with the given id, if this scheduler owns one.
func (s *Scheduler) Task(id string) (Task, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// SetDispatcher sets the address unresolved/unknown receivers are
// forwarded to.
func (s *Scheduler) SetDispatcher(a addr.Address) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dispatcher = a
	s.hasDispatcher = true
}

// SetDirectory sets the address core.advertise falls back to when the
// local registry has nothing for the requested lookup.
func (s *Scheduler) SetDirectory(a addr.Address) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.directory = a
	s.hasDirectory = true
}

// SetVar stores a scheduler-scoped named variable (core.set_var).
func (s *Scheduler) SetVar(name string, v rt.Value) {
	s.varsMutex.Lock()
	defer s.varsMutex.Unlock()
	s.vars[name] = v
}

// Var retrieves a scheduler-scoped named variable.
func (s *Scheduler) Var(name string) (rt.Value, bool) {
	s.varsMutex.RLock()
	defer s.varsMutex.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// RequestStop marks every owned task stopping and arms stop-on-idle, so
// that once all non-daemon tasks have drained, NeedsRun reports false.
func (s *Scheduler) RequestStop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stopOnIdle = true
	for _, t := range s.tasks {
		t.RequestStop()
	}
}

// NeedsRun reports whether the scheduler has outstanding work: pending
// envelopes, non-daemon tasks still running, or (when not stopping) an
// open-ended readiness to accept more.
func (s *Scheduler) NeedsRun(now time.Time) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.pending) > 0 {
		return true
	}
	if !s.stopOnIdle {
		return true
	}
	for _, t := range s.tasks {
		if !t.IsDaemon() && t.NeedsRun(now) {
			return true
		}
	}
	return false
}

// nextRequestID assigns the next monotonically increasing positive
// request id (spec.md invariant: unique per scheduler lifetime).
func (s *Scheduler) nextRequestID() int64 {
	return atomic.AddInt64(&s.nextReqID, 1)
}

// Post enqueues env for dispatch. If env carries a Request with a
// non-nil handler, a fresh request-id is assigned (overriding whatever
// the caller set) and the handler is installed in the correlation
// table with the envelope's timeout. A zero handler with a zero
// request-id is fire-and-forget.
func (s *Scheduler) Post(env envelope.Envelope, h handler.Handler) (requestID int64, err error) {
	if req, ok := env.Event.(envelope.Request); ok && h != nil {
		requestID = s.nextRequestID()
		req.ReqID = requestID
		env.Event = req
		timeout := time.Duration(env.TimeoutMs) * time.Millisecond
		s.handlers.Store(requestID, h, timeout, "")
	} else if req, ok := env.Event.(envelope.Request); ok {
		requestID = req.ReqID
	}

	if s.TraceMsgs {
		s.trace.Record(env, "post")
	}

	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return requestID, ErrSchedulerClosed
	}
	s.pending = append(s.pending, env)
	s.mutex.Unlock()
	return requestID, nil
}

// PostForTask is Post, but the installed handler (if any) is released
// with a comm-error if taskID is destroyed before the response arrives.
func (s *Scheduler) PostForTask(env envelope.Envelope, h handler.Handler, taskID string) (requestID int64, err error) {
	if req, ok := env.Event.(envelope.Request); ok && h != nil {
		requestID = s.nextRequestID()
		req.ReqID = requestID
		env.Event = req
		timeout := time.Duration(env.TimeoutMs) * time.Millisecond
		s.handlers.Store(requestID, h, timeout, taskID)
	}
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return requestID, ErrSchedulerClosed
	}
	s.pending = append(s.pending, env)
	s.mutex.Unlock()
	return requestID, nil
}

// CancelRequest removes the handler for id, if outstanding, and
// synthesises a USR_ABORT response delivered to HandleError, per
// spec.md §4.6.
func (s *Scheduler) CancelRequest(id int64) bool {
	rec, ok := s.handlers.Take(id)
	if !ok {
		return false
	}
	rec.h.HandleError(envelope.Envelope{Event: envelope.Response{
		ReqID:  id,
		Status: int32(status.UsrAbort),
		Error:  envelope.ErrorResult("cancelled"),
	}})
	return true
}

// Run performs one scheduling step per spec.md §4.4: drain input gates,
// dispatch, advance tasks, run output gates, sweep expired state. It
// returns the total number of envelopes moved this step.
func (s *Scheduler) Run() (int, error) {
	start := time.Now()
	merr := errutils.NewMultiErr(nil)
	moved := 0

	// Step 1: drain input gates.
	s.mutex.Lock()
	inGates := append([]gate.InputGate(nil), s.inGates...)
	s.mutex.Unlock()
	for _, g := range inGates {
		if _, err := g.Run(); err != nil {
			merr.Add(err)
		}
		for {
			env, ok := g.Get()
			if !ok {
				break
			}
			s.mutex.Lock()
			s.pending = append(s.pending, env)
			s.mutex.Unlock()
			moved++
		}
	}

	// Step 2: dispatch, draining self-generated follow-on envelopes too
	// (core.flush_events exposes this same drain-to-empty behavior
	// explicitly, outside of a Run step).
	moved += s.FlushEvents()

	// Step 3: advance tasks.
	now := time.Now()
	s.mutex.Lock()
	taskList := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		taskList = append(taskList, t)
	}
	s.mutex.Unlock()
	for _, t := range taskList {
		if t.NeedsRun(now) {
			t.RunStep()
		}
		if t.Status() == TaskStopped {
			s.mutex.Lock()
			delete(s.tasks, t.ID())
			s.mutex.Unlock()
			s.handlers.ReleaseOwnedBy(t.ID(), errTaskDestroyed)
		}
	}

	// Step 4: run output gates.
	s.mutex.Lock()
	outGates := append([]gate.OutputGate(nil), s.outGates...)
	s.mutex.Unlock()
	for _, g := range outGates {
		n, err := g.Run()
		moved += n
		if err != nil {
			merr.Add(err)
		}
	}

	// Step 5: sweep expired handlers and registry entries.
	s.handlers.SweepExpired(time.Now(), func(rec *handlerRecord) {
		rec.h.HandleCommError(rec.requestID, handler.PhaseWait, errRequestTimeout)
	})
	s.registry.ValidateEntries()

	elapsed := time.Since(start)
	if s.LogProcTime {
		s.lastRunDur = smoothed(s.lastRunDur, elapsed)
		s.logger.DebugF("sched[%s]: run step took %s (avg %s)", s.node, elapsed, s.lastRunDur)
	} else {
		s.lastRunDur = smoothed(s.lastRunDur, elapsed)
	}

	if merr.HasErrors() {
		return moved, merr
	}
	return moved, nil
}

// smoothed applies a simple exponential moving average (alpha=0.2), used
// to pick the compact server's yield_busy/yield_wait sleep duration.
func smoothed(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return prev + (sample-prev)/5
}

// AverageRunTime returns the exponentially-smoothed average Run()
// duration, consumed by gridsrv's yield loop to pick a 1-100ms sleep.
func (s *Scheduler) AverageRunTime() time.Duration {
	return s.lastRunDur
}

// FlushEvents drains the pending envelope queue to empty, dispatching
// each one (and any follow-on envelopes dispatch itself enqueues)
// immediately rather than waiting for the next Run step. Returns the
// count dispatched. Exposed both as an internal step-2 helper and as the
// core.flush_events command.
func (s *Scheduler) FlushEvents() int {
	count := 0
	for {
		s.mutex.Lock()
		if len(s.pending) == 0 {
			s.mutex.Unlock()
			break
		}
		env := s.pending[0]
		s.pending = s.pending[1:]
		s.mutex.Unlock()

		s.dispatch(env)
		count++
	}
	return count
}

// Stats is the result of core.get_stats / gridsrv health reporting.
type Stats struct {
	Node             string
	TaskCount        int
	PendingCount     int
	OutstandingReqs  int
	AverageRunTimeMs float64
}

// Stats snapshots counters useful for monitoring and the core.get_stats
// command.
func (s *Scheduler) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Stats{
		Node:             s.node,
		TaskCount:        len(s.tasks),
		PendingCount:     len(s.pending),
		OutstandingReqs:  s.handlers.Len(),
		AverageRunTimeMs: float64(s.lastRunDur) / float64(time.Millisecond),
	}
}
