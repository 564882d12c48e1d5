package gridsrv

import (
	"sync"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
)

// Notifier is the host-supplied callback a ListenerModule forwards
// observed commands to. ok reports whether the notifier recognized the
// command at all (false maps to status.UnkMsg, mirroring
// scNotifier::invoke's bool return in the original grd listener module).
type Notifier func(command string, params rt.Value) (result rt.Value, ok bool, err error)

// ListenerModule is a catch-all sched.Module that forwards every message
// on a host-registered set of interfaces to a single Notifier callback,
// rather than requiring a dedicated Module type per observed interface.
// This is the direct descendant of grdListenerModule: host code builds a
// worker/application object, wraps its dispatch in a Notifier, and calls
// RegisterInterface once per interface prefix it wants this node to
// accept on the notifier's behalf.
type ListenerModule struct {
	sched.BaseModule

	mutex    sync.RWMutex
	notifier Notifier
	sch      *sched.Scheduler
}

// NewListenerModule builds a ListenerModule with no interfaces and no
// notifier; both are configured after construction so a node factory can
// install it before the host has built its application callback.
func NewListenerModule() *ListenerModule {
	return &ListenerModule{}
}

// bindScheduler records the scheduler this module was registered on, so a
// later RegisterInterface call can re-register and take effect:
// Scheduler.RegisterModule snapshots SupportedInterfaces() at call time,
// so adding an interface after registration would otherwise never be
// claimed in the scheduler's dispatch table.
func (l *ListenerModule) bindScheduler(s *sched.Scheduler) {
	l.mutex.Lock()
	l.sch = s
	l.mutex.Unlock()
}

// SetNotifier installs (or replaces) the callback every observed command
// is forwarded to.
func (l *ListenerModule) SetNotifier(n Notifier) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.notifier = n
}

// RegisterInterface adds an interface prefix this module claims, e.g.
// "worker" for commands like "worker.run_etl". Safe to call after the
// module is already registered with a Scheduler.
func (l *ListenerModule) RegisterInterface(name string) {
	l.mutex.Lock()
	for _, existing := range l.Interfaces {
		if existing == name {
			l.mutex.Unlock()
			return
		}
	}
	l.Interfaces = append(l.Interfaces, name)
	sch := l.sch
	l.mutex.Unlock()

	if sch != nil {
		sch.RegisterModule(l)
	}
}

// SupportedInterfaces overrides BaseModule's to take the read lock,
// since RegisterInterface can mutate the slice concurrently with the
// scheduler's dispatch loop reading it.
func (l *ListenerModule) SupportedInterfaces() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	out := make([]string, len(l.Interfaces))
	copy(out, l.Interfaces)
	return out
}

func (l *ListenerModule) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	l.mutex.RLock()
	n := l.notifier
	l.mutex.RUnlock()

	if n == nil {
		return status.WrongCfg
	}

	out, ok, err := n(command, params)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Exception
	}
	if !ok {
		return status.UnkMsg
	}
	*result = out
	return status.OK
}

func (l *ListenerModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	return l.HandleMessage(req.Command, req.Params, result)
}
