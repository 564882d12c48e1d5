// Package gridsrv composes the runtime's components (addr, sched, gate,
// pqueue, jobmgr) into a running multi-node process (spec.md §4.9): a
// Factory builds named schedulers with a fixed module bundle, and a
// CompactServer drives however many of those schedulers this process
// hosts.
package gridsrv

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/config"
	"oss.nandlabs.io/gridmesh/jobmgr"
	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/localgate"
	"oss.nandlabs.io/gridmesh/pqueue"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// ErrNodeExists is returned by CreateNode when name is already running.
var ErrNodeExists = errors.New("gridsrv: node already exists")

// ErrNodeNotFound is returned by ShutdownNode/RestartNode/Node for an
// unknown name.
var ErrNodeNotFound = errors.New("gridsrv: node not found")

// Config carries the tunables the factory hands to every node it builds.
type Config struct {
	JobManagerCfg    jobmgr.Config
	WatchdogInterval time.Duration
	WatchdogStale    time.Duration
	WatchdogRestart  bool
}

// DefaultConfig returns sane defaults for an unconfigured factory.
func DefaultConfig() Config {
	return Config{
		JobManagerCfg:    jobmgr.DefaultConfig(),
		WatchdogInterval: 500 * time.Millisecond,
		WatchdogStale:    30 * time.Second,
		WatchdogRestart:  false,
	}
}

// node bundles everything the factory created for one name, so
// ShutdownNode/RestartNode can tear it down or rebuild it faithfully.
type node struct {
	sch      *sched.Scheduler
	watchdog *WatchdogModule
	listener *ListenerModule
	jobs     *jobmgr.Manager
	cfg      rt.Value
}

// Factory creates named sched.Schedulers with a fixed module bundle
// (core — registered by sched.New itself —, pqueue, jobmgr, a listener
// module, a watchdog module) plus the in-process localgate wiring, and
// implements sched.NodeController so core.create_node/shutdown_node/
// restart_node reach it from any of the nodes it owns.
type Factory struct {
	mutex  sync.Mutex
	cfg    Config
	nodes  map[string]*node
	logger l3.Logger
}

// NewFactory builds a Factory with the given config.
func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg, nodes: make(map[string]*node), logger: l3.Get()}
}

// ConfigFromAttributes reads a Config out of a config.Attributes bag
// (e.g. config.MapAttributes loaded from a host's properties file),
// falling back to DefaultConfig for any key left unset. Keys mirror the
// Config field names in snake_case with a _ms suffix for durations.
func ConfigFromAttributes(attrs config.Attributes) Config {
	cfg := DefaultConfig()
	if attrs == nil {
		return cfg
	}
	if v := attrs.Get("watchdog_interval_ms"); v != nil {
		cfg.WatchdogInterval = time.Duration(attrs.GetAsInt("watchdog_interval_ms")) * time.Millisecond
	}
	if v := attrs.Get("watchdog_stale_ms"); v != nil {
		cfg.WatchdogStale = time.Duration(attrs.GetAsInt("watchdog_stale_ms")) * time.Millisecond
	}
	if v := attrs.Get("watchdog_restart"); v != nil {
		cfg.WatchdogRestart = attrs.GetAsBool("watchdog_restart")
	}
	if v := attrs.Get("job_default_timeout_ms"); v != nil {
		cfg.JobManagerCfg.DefaultJobTimeout = time.Duration(attrs.GetAsInt("job_default_timeout_ms")) * time.Millisecond
	}
	if v := attrs.Get("job_default_trans_timeout_ms"); v != nil {
		cfg.JobManagerCfg.DefaultTransTimeout = time.Duration(attrs.GetAsInt("job_default_trans_timeout_ms")) * time.Millisecond
	}
	if v := attrs.Get("job_purge_check_interval_ms"); v != nil {
		cfg.JobManagerCfg.PurgeCheckInterval = time.Duration(attrs.GetAsInt("job_purge_check_interval_ms")) * time.Millisecond
	}
	return cfg
}

// NewFactoryFromAttributes is the host-facing constructor: it builds a
// Factory's Config from a config.Attributes bag rather than requiring
// callers to hand-assemble a Config literal.
func NewFactoryFromAttributes(attrs config.Attributes) *Factory {
	return NewFactory(ConfigFromAttributes(attrs))
}

// CreateNode builds and registers a new scheduler named name, wiring the
// fixed module bundle. cfg is opaque to the factory itself, stored only
// so RestartNode can rebuild an equivalent node; nothing in the current
// bundle reads it, but a host's own watchdog/listener setup can.
func (f *Factory) CreateNode(name string, cfg rt.Value) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, exists := f.nodes[name]; exists {
		return fmt.Errorf("%w: %s", ErrNodeExists, name)
	}

	n, err := f.buildNode(name, cfg)
	if err != nil {
		return err
	}
	f.nodes[name] = n
	return nil
}

// buildNode does the actual construction; the caller holds f.mutex.
func (f *Factory) buildNode(name string, cfg rt.Value) (*node, error) {
	sch := sched.New(name)
	sch.SetComponentID(name)
	sch.NodeCtrl = f

	lg := localgate.New(name)
	sch.AddInputGate(lg)
	sch.AddOutputGate(lg)

	self := addr.Address{Kind: addr.Fixed, Protocol: localgate.Protocol, Node: name}

	pqStore := pqueue.NewInMemoryStore()
	pm := pqueue.NewModule(pqStore, sch.Registry())
	sch.RegisterModule(pm)
	sch.AddTask(newPQueueWatchTask(sch, pm))

	jobStore := jobmgr.NewInMemoryStore()
	mgr := jobmgr.NewManager(jobStore, f.cfg.JobManagerCfg)
	jm := jobmgr.NewModule(mgr, sch, self)
	sch.RegisterModule(jm)
	sch.AddTask(jobmgr.NewPurgeSweepTask(mgr))

	listener := NewListenerModule()
	listener.bindScheduler(sch)
	sch.RegisterModule(listener)

	watchdog := NewWatchdogModule(f.cfg.WatchdogStale, f, f.cfg.WatchdogRestart)
	sch.RegisterModule(watchdog)
	sch.AddTask(NewWatchdogTask(watchdog, f.cfg.WatchdogInterval))
	watchdog.Heartbeat(name)

	return &node{sch: sch, watchdog: watchdog, listener: listener, jobs: mgr, cfg: cfg}, nil
}

// ShutdownNode satisfies sched.NodeController: it stops every task on the
// named node's scheduler and removes it from the factory's registry.
func (f *Factory) ShutdownNode(name string) error {
	f.mutex.Lock()
	n, exists := f.nodes[name]
	if exists {
		delete(f.nodes, name)
	}
	f.mutex.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return n.sch.Stop()
}

// RestartNode satisfies sched.NodeController: it rebuilds the named node
// from its original creation config, preserving the factory's bundle
// wiring and replacing the stale node wholesale (spec.md's restart is
// "stop, then bring back in the ready-to-run state", mirrored here at
// the node granularity rather than the job granularity jobmgr.Restart
// handles).
func (f *Factory) RestartNode(name string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	old, exists := f.nodes[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	_ = old.sch.Stop()

	n, err := f.buildNode(name, old.cfg)
	if err != nil {
		return err
	}
	f.nodes[name] = n
	return nil
}

// Node returns the scheduler factory built for name.
func (f *Factory) Node(name string) (*sched.Scheduler, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return nil, false
	}
	return n.sch, true
}

// Listener returns the listener module installed on the named node, so
// host code can SetNotifier/RegisterInterface on it after creation.
func (f *Factory) Listener(name string) (*ListenerModule, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return nil, false
	}
	return n.listener, true
}

// JobManager returns the jobmgr.Manager backing the named node, mainly
// for tests and for host code defining job definitions directly.
func (f *Factory) JobManager(name string) (*jobmgr.Manager, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	n, ok := f.nodes[name]
	if !ok {
		return nil, false
	}
	return n.jobs, true
}

// Nodes returns every scheduler the factory currently owns, for handing
// to a CompactServer.
func (f *Factory) Nodes() []*sched.Scheduler {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]*sched.Scheduler, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n.sch)
	}
	return out
}

// Heartbeat reports name's own liveness to every node's watchdog, so one
// node going stale doesn't depend on that very node's own watchdog task
// still being scheduled. CompactServer does not call it; each node's
// watchdog only sees the heartbeat buildNode records at creation unless a
// caller reports in through this method or watchdog.heartbeat.
func (f *Factory) Heartbeat(name string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, n := range f.nodes {
		n.watchdog.Heartbeat(name)
	}
}
