package gridsrv

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/sched"
)

const (
	// minYieldSleep/maxYieldSleep bound the adaptive wait-yield sleep,
	// the Go equivalent of YIELD_WAIT_MIN/MAX_SLEEP_TIME_MS.
	minYieldSleep = 1 * time.Millisecond
	maxYieldSleep = 100 * time.Millisecond

	// yieldWaitRatio scales the exponentially-smoothed average run time
	// into a sleep duration, grounded on the original's
	// YIELD_WAIT_SLEEP_SCHEDULER_RATIO (kept much smaller here since our
	// average already reflects recent real work, not a raw CPU-tick
	// count).
	yieldWaitRatio = 2.0
)

// CompactServer drives however many schedulers one process hosts (spec.md
// §4.9's "compact server"), offering both the single-shot YieldBusy/
// YieldWait entry points for embedding inside a host's own loop and a
// Run method that drives every registered scheduler concurrently — one
// goroutine per node via errgroup.Group — until the context is
// cancelled or (StopOnIdle) every scheduler goes idle. Each scheduler
// itself remains single-threaded and non-preemptive (spec.md §5); only
// this outer embedding runs nodes concurrently, never a single
// scheduler's own Run().
type CompactServer struct {
	mutex      sync.Mutex
	schedulers map[string]*sched.Scheduler
	StopOnIdle bool
	logger     l3.Logger
}

// NewCompactServer builds an empty CompactServer.
func NewCompactServer() *CompactServer {
	return &CompactServer{schedulers: make(map[string]*sched.Scheduler), logger: l3.Get()}
}

// Register adds s to the set of schedulers this server drives.
func (cs *CompactServer) Register(s *sched.Scheduler) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	cs.schedulers[s.Node()] = s
}

// Unregister removes the named scheduler from the server's set.
func (cs *CompactServer) Unregister(name string) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	delete(cs.schedulers, name)
}

// RegisterFactory registers every scheduler currently owned by f. Later
// nodes f creates are not picked up automatically — call this again (or
// Register the new scheduler directly) after CreateNode.
func (cs *CompactServer) RegisterFactory(f *Factory) {
	for _, s := range f.Nodes() {
		cs.Register(s)
	}
}

func (cs *CompactServer) snapshot() []*sched.Scheduler {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	out := make([]*sched.Scheduler, 0, len(cs.schedulers))
	for _, s := range cs.schedulers {
		out = append(out, s)
	}
	return out
}

// RequestStop asks every registered scheduler to stop, so Run's
// StopOnIdle-driven loops (or an external caller's own loop around
// YieldWait) can unwind once every scheduler's non-daemon tasks drain.
func (cs *CompactServer) RequestStop() {
	for _, s := range cs.snapshot() {
		s.RequestStop()
	}
}

// NeedsRun reports whether any registered scheduler still has work.
func (cs *CompactServer) NeedsRun(now time.Time) bool {
	for _, s := range cs.snapshot() {
		if s.NeedsRun(now) {
			return true
		}
	}
	return false
}

// yieldSleep picks a 1-100ms sleep from a scheduler's smoothed average
// run time, the Go translation of the original's calcSleepTimeForWait.
func yieldSleep(avg time.Duration) time.Duration {
	d := time.Duration(float64(avg) * yieldWaitRatio)
	if d < minYieldSleep {
		return minYieldSleep
	}
	if d > maxYieldSleep {
		return maxYieldSleep
	}
	return d
}

// YieldBusy runs one non-blocking slice of every registered scheduler and
// returns immediately without sleeping, for embedding inside a host loop
// that is itself under CPU pressure and wants to hand the scheduler(s) a
// slice of time without giving up its own turn (runYieldBusy in the
// original). Returns the total envelopes moved across all schedulers.
func (cs *CompactServer) YieldBusy() (int, error) {
	total := 0
	for _, s := range cs.snapshot() {
		moved, err := s.Run()
		if err != nil {
			return total, err
		}
		total += moved
	}
	return total, nil
}

// YieldWait runs one slice of every registered scheduler, then sleeps an
// adaptively computed duration if none of them moved any envelopes, for
// embedding inside a host loop that can afford to block briefly
// (runYieldWait in the original).
func (cs *CompactServer) YieldWait() (int, error) {
	schedulers := cs.snapshot()
	total := 0
	var maxAvg time.Duration
	for _, s := range schedulers {
		moved, err := s.Run()
		if err != nil {
			return total, err
		}
		total += moved
		if avg := s.AverageRunTime(); avg > maxAvg {
			maxAvg = avg
		}
	}
	if total == 0 {
		time.Sleep(yieldSleep(maxAvg))
	}
	return total, nil
}

// Run drives every registered scheduler concurrently until ctx is
// cancelled, or — if StopOnIdle is set — until NeedsRun reports false for
// every scheduler. Each node gets its own goroutine via an
// errgroup.Group; the first node to return an error cancels the group's
// context and Run returns that error once every other node's goroutine
// has also returned.
func (cs *CompactServer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range cs.snapshot() {
		s := s
		g.Go(func() error { return cs.runNode(gctx, s) })
	}
	return g.Wait()
}

func (cs *CompactServer) runNode(ctx context.Context, s *sched.Scheduler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		moved, err := s.Run()
		if err != nil {
			cs.logger.ErrorF("gridsrv: node %s run failed: %v", s.Node(), err)
			return err
		}

		if cs.StopOnIdle && !s.NeedsRun(time.Now()) {
			return nil
		}

		if moved > 0 {
			continue
		}

		select {
		case <-time.After(yieldSleep(s.AverageRunTime())):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
