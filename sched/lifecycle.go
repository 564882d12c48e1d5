package sched

import (
	"sync"

	"oss.nandlabs.io/gridmesh/lifecycle"
)

// lifecycleState holds the Scheduler's lifecycle.Component bookkeeping in
// a dedicated, separately-locked block so it doesn't interleave with the
// dispatch-loop mutex. A node factory supervises many schedulers through
// a single lifecycle.ComponentManager, the way rest.Server wraps
// lifecycle.SimpleComponent for one HTTP listener (spec.md §4.9).
type lifecycleState struct {
	mutex     sync.Mutex
	id        string
	state     lifecycle.ComponentState
	listeners []func(prev, next lifecycle.ComponentState)
}

func (ls *lifecycleState) transition(next lifecycle.ComponentState) {
	ls.mutex.Lock()
	prev := ls.state
	ls.state = next
	fns := append([]func(prev, next lifecycle.ComponentState){}, ls.listeners...)
	ls.mutex.Unlock()

	for _, f := range fns {
		f(prev, next)
	}
}

// SetComponentID names this scheduler for lifecycle.ComponentManager
// registration; defaults to the node name if never called.
func (s *Scheduler) SetComponentID(id string) {
	s.lc.mutex.Lock()
	s.lc.id = id
	s.lc.mutex.Unlock()
}

// Id satisfies lifecycle.Component.
func (s *Scheduler) Id() string {
	s.lc.mutex.Lock()
	defer s.lc.mutex.Unlock()
	if s.lc.id != "" {
		return s.lc.id
	}
	return s.node
}

// OnChange registers a state-change callback, satisfying
// lifecycle.Component.
func (s *Scheduler) OnChange(f func(prev, next lifecycle.ComponentState)) {
	s.lc.mutex.Lock()
	defer s.lc.mutex.Unlock()
	s.lc.listeners = append(s.lc.listeners, f)
}

// State satisfies lifecycle.Component.
func (s *Scheduler) State() lifecycle.ComponentState {
	s.lc.mutex.Lock()
	defer s.lc.mutex.Unlock()
	if s.lc.state == lifecycle.Unknown {
		return lifecycle.Stopped
	}
	return s.lc.state
}

// Start satisfies lifecycle.Component: it does not run the scheduler
// itself (that's the compact server's job via repeated Run() calls), it
// only flips the supervised lifecycle state so a ComponentManager can
// track this node alongside any other long-running component.
func (s *Scheduler) Start() error {
	s.lc.transition(lifecycle.Starting)
	s.lc.transition(lifecycle.Running)
	return nil
}

// Stop satisfies lifecycle.Component: requests every task to stop and
// marks the scheduler stopped. The compact server is responsible for
// draining the final Run() calls needed for tasks to actually unwind;
// Stop only signals the intent, mirroring spec.md §4.4's
// request_stop()/needs_run() split between "asked to stop" and "finished
// stopping".
func (s *Scheduler) Stop() error {
	s.lc.transition(lifecycle.Stopping)
	s.RequestStop()
	s.mutex.Lock()
	s.stopped = true
	s.mutex.Unlock()
	s.lc.transition(lifecycle.Stopped)
	return nil
}
