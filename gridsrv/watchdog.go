package gridsrv

import (
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
)

// WatchdogModule answers "watchdog.heartbeat"/"watchdog.status" and backs
// a WatchdogTask that sweeps for stale peers, the Go replacement for the
// platform-specific W32Watchdog service wrapper: rather than a Windows
// service watching one process, this tracks liveness of named peers
// (other nodes in the same compact server, or any component a host
// chooses to report in) by last-heartbeat time, and can ask a
// NodeController to restart a peer that has gone stale.
type WatchdogModule struct {
	sched.BaseModule

	mutex       sync.Mutex
	lastSeen    map[string]time.Time
	staleAfter  time.Duration
	ctl         sched.NodeController
	autoRestart bool
	logger      l3.Logger
}

// NewWatchdogModule builds a WatchdogModule with the given staleness
// threshold. ctl may be nil (status-reporting only, no auto-restart);
// when non-nil and autoRestart is true, WatchdogTask.RunStep asks ctl to
// restart any peer that misses staleAfter.
func NewWatchdogModule(staleAfter time.Duration, ctl sched.NodeController, autoRestart bool) *WatchdogModule {
	return &WatchdogModule{
		BaseModule:  sched.BaseModule{Interfaces: []string{"watchdog"}},
		lastSeen:    make(map[string]time.Time),
		staleAfter:  staleAfter,
		ctl:         ctl,
		autoRestart: autoRestart,
		logger:      l3.Get(),
	}
}

// Heartbeat records that name is alive as of now. Exported so a node
// factory (Factory.Heartbeat) can report each scheduler's own liveness
// without a round trip through the wire protocol.
func (w *WatchdogModule) Heartbeat(name string) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.lastSeen[name] = time.Now()
}

// Status reports whether name is known and, if so, whether it is stale.
func (w *WatchdogModule) Status(name string) (seen time.Time, stale bool, known bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	seen, known = w.lastSeen[name]
	if !known {
		return time.Time{}, false, false
	}
	return seen, time.Since(seen) > w.staleAfter, true
}

func (w *WatchdogModule) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	_, verb, _ := strings.Cut(command, ".")
	switch verb {
	case "heartbeat":
		name := params.GetOr("name", rt.Null()).AsString("")
		if name == "" {
			return status.WrongParams
		}
		w.Heartbeat(name)
		return status.OK
	case "status":
		name := params.GetOr("name", rt.Null()).AsString("")
		seen, stale, known := w.Status(name)
		if !known {
			*result = rt.Map(map[string]rt.Value{"known": rt.Bool(false)})
			return status.OK
		}
		*result = rt.Map(map[string]rt.Value{
			"known":     rt.Bool(true),
			"stale":     rt.Bool(stale),
			"last_seen": rt.DateTime(seen),
		})
		return status.OK
	default:
		return status.UnkMsg
	}
}

func (w *WatchdogModule) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	return w.HandleMessage(req.Command, req.Params, result)
}

// WatchdogTask periodically sweeps tracked peers for staleness, logging a
// warning and (if configured) asking the NodeController to restart them.
type WatchdogTask struct {
	sched.BaseTask
	w     *WatchdogModule
	every time.Duration
}

// NewWatchdogTask builds a recurring staleness-sweep task for w.
func NewWatchdogTask(w *WatchdogModule, every time.Duration) *WatchdogTask {
	return &WatchdogTask{
		BaseTask: sched.BaseTask{TaskID: "watchdog.sweep", TaskName: "watchdog sweep", Daemon: true},
		w:        w,
		every:    every,
	}
}

func (t *WatchdogTask) RunStep() {
	t.MarkRunning()

	t.w.mutex.Lock()
	stale := make([]string, 0)
	for name, seen := range t.w.lastSeen {
		if time.Since(seen) > t.w.staleAfter {
			stale = append(stale, name)
		}
	}
	ctl, autoRestart := t.w.ctl, t.w.autoRestart
	t.w.mutex.Unlock()

	for _, name := range stale {
		t.w.logger.WarnF("watchdog: %s missed heartbeat deadline", name)
		if autoRestart && ctl != nil {
			if err := ctl.RestartNode(name); err != nil {
				t.w.logger.ErrorF("watchdog: restart of %s failed: %v", name, err)
			}
		}
	}

	t.SleepFor(t.every)
}

func (t *WatchdogTask) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	respond(rt.Null(), envelope.ErrorResult("watchdog task does not accept messages"))
}

func (t *WatchdogTask) HandleResponse(resp envelope.Envelope) {}

func (t *WatchdogTask) AcceptsMessage(command string) bool { return false }
