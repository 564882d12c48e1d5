package jobmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oss.nandlabs.io/gridmesh/l3"
	"oss.nandlabs.io/gridmesh/rt"
)

// errCyclicBase is returned by resolveParams when a definition's Base
// chain loops back on itself.
var errCyclicBase = errors.New("jobmgr: cyclic base chain in job definition")

// Config carries the tunables spec.md §4.8 attaches to the manager.
type Config struct {
	SafeRoots           []string
	DefaultJobTimeout   time.Duration
	DefaultTransTimeout time.Duration
	DefaultRetryCount   int
	TimeoutCheckDelay   time.Duration
	PurgeCheckInterval  time.Duration
	PurgeInterval       time.Duration
}

// DefaultConfig returns spec.md's defaults for an unconfigured manager.
func DefaultConfig() Config {
	return Config{
		DefaultJobTimeout:   30 * time.Second,
		DefaultTransTimeout: 10 * time.Second,
		DefaultRetryCount:   3,
		TimeoutCheckDelay:   1 * time.Second,
		PurgeCheckInterval:  5 * time.Second,
		PurgeInterval:       1 * time.Hour,
	}
}

// Manager owns job definitions and job rows in the durable Store, and
// the set of Queue tasks currently started against it. It holds no
// transport of its own: activation/cancellation messaging is the Queue's
// job (queue.go), Manager only mutates durable state.
type Manager struct {
	store  Store
	cfg    Config
	logger l3.Logger

	queues map[string]*Queue
}

// NewManager builds a Manager backed by store.
func NewManager(store Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg, logger: l3.Get(), queues: make(map[string]*Queue)}
}

// Store exposes the backing Store, mainly for Queue/Module construction.
func (m *Manager) Store() Store { return m.store }

// Config exposes the manager's tunables.
func (m *Manager) Config() Config { return m.cfg }

// registerQueue records a started Queue so Restart/Return/Stop can route
// worker-cancellation through it.
func (m *Manager) registerQueue(q *Queue) { m.queues[q.Name()] = q }

// unregisterQueue drops a stopped Queue's registration.
func (m *Manager) unregisterQueue(name string) { delete(m.queues, name) }

// Queue returns the named queue's runtime wrapper, if started.
func (m *Manager) Queue(name string) (*Queue, bool) {
	q, ok := m.queues[name]
	return q, ok
}

// QueueNames returns the names of every currently started queue.
func (m *Manager) QueueNames() []string {
	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	return out
}

func (m *Manager) DefineJobDef(ctx context.Context, def *JobDef) error {
	if _, err := m.store.GetJobDef(ctx, def.Name); err == nil {
		return fmt.Errorf("jobmgr: job definition %q already exists", def.Name)
	}
	return m.store.SaveJobDef(ctx, def)
}

func (m *Manager) ChangeJobDef(ctx context.Context, def *JobDef) error {
	if _, err := m.store.GetJobDef(ctx, def.Name); err != nil {
		return err
	}
	return m.store.SaveJobDef(ctx, def)
}

func (m *Manager) RemoveJobDef(ctx context.Context, name string) error {
	return m.store.DeleteJobDef(ctx, name)
}

func (m *Manager) ListJobDefs(ctx context.Context) ([]*JobDef, error) {
	return m.store.ListJobDefs(ctx)
}

func (m *Manager) DescribeJobDef(ctx context.Context, name string) (*JobDef, error) {
	return m.store.GetJobDef(ctx, name)
}

// resolveParams walks a definition's Base chain root-first and merges
// params in base -> definition order, the first half of spec.md §4.8's
// "base -> definition -> start overrides" resolution rule. Cycle
// detection guards against a misconfigured Base chain looping forever.
func (m *Manager) resolveParams(ctx context.Context, defName string) (*JobDef, map[string]rt.Value, error) {
	var chain []*JobDef
	seen := make(map[string]bool)
	name := defName
	for name != "" {
		if seen[name] {
			return nil, nil, errCyclicBase
		}
		seen[name] = true
		def, err := m.store.GetJobDef(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, def)
		name = def.Base
	}
	merged := make(map[string]rt.Value)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Params {
			merged[k] = v
		}
	}
	return chain[0], merged, nil
}

// Start resolves defName's param chain, applies start overrides, and
// enqueues a new job in ready status (spec.md §4.8 "Job definitions" /
// "Job activation"). Activation itself happens on the owning Queue's
// next RunStep, not synchronously here.
func (m *Manager) Start(ctx context.Context, defName string, overrides map[string]rt.Value) (*Job, error) {
	def, params, err := m.resolveParams(ctx, defName)
	if err != nil {
		return nil, err
	}
	for k, v := range overrides {
		params[k] = v
	}
	id, err := m.store.NextJobID(ctx)
	if err != nil {
		return nil, err
	}
	jobTimeout, transTimeout, retry := def.JobTimeout, def.TransTimeout, def.RetryCount
	if jobTimeout == 0 {
		jobTimeout = m.cfg.DefaultJobTimeout
	}
	if transTimeout == 0 {
		transTimeout = m.cfg.DefaultTransTimeout
	}
	if retry == 0 {
		retry = m.cfg.DefaultRetryCount
	}
	now := time.Now()
	job := &Job{
		ID:           id,
		DefName:      defName,
		Queue:        def.Queue,
		Command:      def.Command,
		TargetAddr:   def.TargetAddr,
		Status:       JobReady,
		RetryLeft:    retry,
		JobTimeout:   jobTimeout,
		TransTimeout: transTimeout,
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Ended records a worker's completion report (spec.md §4.8 doesn't name
// this wire op explicitly but its "Worker task framework" paragraph
// requires a counterpart to job_worker.start_work's ACK: a job's life
// ends with the worker reporting status, the same way Handled closes the
// loop for pqueue messages). A stale lock is logged and ignored.
func (m *Manager) Ended(ctx context.Context, jobID, lockID int64, ok bool) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.LockID != lockID || job.Status != JobRunning {
		m.logger.WarnF("jobmgr: stale ended report for job %d (lock %d, current status %s)", jobID, lockID, job.Status)
		return false, nil
	}
	if job.TransID != 0 {
		if err := rollbackTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
			return false, err
		}
		job.TransID = 0
	}
	if ok {
		job.Status = JobEnded
	} else {
		job.Status = JobAborted
	}
	job.UpdatedAt = time.Now()
	return true, m.store.SaveJob(ctx, job)
}

// Restart implements spec.md §4.8 "restart": increment lock, cancel the
// worker, rollback all pending transactions, clear state vars, set
// ready, activate (the last step is the owning Queue's next RunStep).
func (m *Manager) Restart(ctx context.Context, jobID int64) (*Job, error) {
	return m.reactivate(ctx, jobID, nil)
}

// Return implements spec.md §4.8 "return": same as Restart but only
// valid from submitted|ready|running|sleep|paused|aborted.
func (m *Manager) Return(ctx context.Context, jobID int64) (*Job, error) {
	allowed := map[Status]bool{
		JobSubmitted: true, JobReady: true, JobRunning: true,
		JobSleep: true, JobPaused: true, JobAborted: true,
	}
	return m.reactivate(ctx, jobID, allowed)
}

func (m *Manager) reactivate(ctx context.Context, jobID int64, allowed map[Status]bool) (*Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return m.reactivateJob(ctx, job, allowed)
}

// reactivateJob is reactivate's body applied to an already-fetched job,
// so a caller that has mutated in-memory fields (the timeout sweep's
// RetryLeft decrement) doesn't lose them to a redundant GetJob.
func (m *Manager) reactivateJob(ctx context.Context, job *Job, allowed map[Status]bool) (*Job, error) {
	if allowed != nil && !allowed[job.Status] {
		return nil, fmt.Errorf("jobmgr: job %d in status %s cannot be returned", job.ID, job.Status)
	}
	if q, ok := m.queues[job.Queue]; ok {
		q.cancelWorker(job)
	}
	if job.TransID != 0 {
		if err := rollbackTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
			return nil, err
		}
		job.TransID = 0
	}
	if err := m.store.DeleteJobState(ctx, job.ID, -1); err != nil {
		return nil, err
	}
	job.LockID++
	job.Status = JobReady
	job.WorkerAddr = ""
	job.ActivateAt = time.Time{}
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Stop implements spec.md §4.8 "stop": same as Return but the final
// status is aborted, with no reactivation.
func (m *Manager) Stop(ctx context.Context, jobID int64) (*Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	allowed := map[Status]bool{
		JobSubmitted: true, JobReady: true, JobRunning: true,
		JobSleep: true, JobPaused: true, JobAborted: true,
	}
	if !allowed[job.Status] {
		return nil, fmt.Errorf("jobmgr: job %d in status %s cannot be stopped", jobID, job.Status)
	}
	if q, ok := m.queues[job.Queue]; ok {
		q.cancelWorker(job)
	}
	if job.TransID != 0 {
		if err := rollbackTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
			return nil, err
		}
		job.TransID = 0
	}
	job.LockID++
	job.Status = JobAborted
	job.WorkerAddr = ""
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Purge implements spec.md §4.8 "purge": only for aborted|ended|purged;
// rollback pending, remove allocations (all kinds), remove state vars,
// clear log, set purged. The row itself is only deleted by the global
// purge sweep once purge_interval has elapsed (runPurgeSweep below).
func (m *Manager) Purge(ctx context.Context, jobID int64) (*Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("jobmgr: job %d in status %s cannot be purged", jobID, job.Status)
	}
	if err := m.fullyPurge(ctx, job); err != nil {
		return nil, err
	}
	job.Status = JobPurged
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// fullyPurge clears every trace of a job's transactional/resource/log
// state without deleting the job row itself.
func (m *Manager) fullyPurge(ctx context.Context, job *Job) error {
	if job.TransID != 0 {
		if err := rollbackTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
			return err
		}
		job.TransID = 0
	}
	if err := m.store.DeleteJobRes(ctx, job.ID, -1); err != nil {
		return err
	}
	if err := m.store.DeleteJobState(ctx, job.ID, -1); err != nil {
		return err
	}
	return m.store.ClearJobLog(ctx, job.ID)
}

// GetState returns a job's committed (trans_id=0) state variables merged
// over any variables open in its current transaction, the view a caller
// asking "get_state" expects to see.
func (m *Manager) GetState(ctx context.Context, jobID int64) (map[string]rt.Value, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	base, err := m.store.ListJobState(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}
	if job.TransID == 0 {
		return base, nil
	}
	open, err := m.store.ListJobState(ctx, jobID, job.TransID)
	if err != nil {
		return nil, err
	}
	for k, v := range open {
		base[k] = v
	}
	return base, nil
}

// SetVars implements job.set_vars: workers write state under the job's
// currently open transaction (or scope 0 if none is open).
func (m *Manager) SetVars(ctx context.Context, jobID int64, vars map[string]rt.Value) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	for name, v := range vars {
		if err := m.store.SetJobState(ctx, jobID, job.TransID, name, v); err != nil {
			return err
		}
	}
	return nil
}

// AllocRes implements job.alloc_res: a worker registers a resource
// allocation against the job's currently open transaction.
func (m *Manager) AllocRes(ctx context.Context, jobID int64, kind ResKind, path string, sizeHint int64) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return m.store.AllocJobRes(ctx, jobID, job.TransID, kind, path, sizeHint)
}

// DeallocRes implements job.dealloc_res: a worker releases one
// allocation immediately, outside the commit/rollback disposal rules
// (used when a worker decides mid-transaction that a tempfile is no
// longer needed).
func (m *Manager) DeallocRes(ctx context.Context, jobID int64, path string) error {
	return m.store.DeleteJobResByPath(ctx, jobID, path)
}

// OpenTrans opens a new transaction for a job that has trans_sup set
// and none currently open, used both by activation and by a committed
// transaction's "chained" continuation.
func (m *Manager) OpenTrans(ctx context.Context, jobID int64) (int64, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.TransID != 0 {
		return job.TransID, nil
	}
	tid, err := m.store.NextTransID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	job.TransID = tid
	job.TransStartedAt = time.Now()
	job.UpdatedAt = job.TransStartedAt
	return tid, m.store.SaveJob(ctx, job)
}

// Commit implements job.commit: copy-to-base, delete T-rows, dispose
// tempfile/obsolfile, close the transaction; if chained, immediately
// open the next one and return its id.
func (m *Manager) Commit(ctx context.Context, jobID int64, chained bool) (newTransID int64, err error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.TransID == 0 {
		return 0, ErrNoActiveTrans
	}
	if err := commitTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
		return 0, err
	}
	job.TransID = 0
	job.UpdatedAt = time.Now()
	if err := m.store.SaveJob(ctx, job); err != nil {
		return 0, err
	}
	if !chained {
		return 0, nil
	}
	return m.OpenTrans(ctx, jobID)
}

// Rollback implements job.rollback: delete T-rows, dispose
// tempfile/workfile, close the transaction.
func (m *Manager) Rollback(ctx context.Context, jobID int64) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TransID == 0 {
		return ErrNoActiveTrans
	}
	if err := rollbackTransaction(ctx, m.store, job.ID, job.TransID, m.cfg.SafeRoots); err != nil {
		return err
	}
	job.TransID = 0
	job.UpdatedAt = time.Now()
	return m.store.SaveJob(ctx, job)
}

// LogText implements job.log_text: append a line to the job's durable
// log.
func (m *Manager) LogText(ctx context.Context, jobID int64, text string) error {
	return m.store.AppendJobLog(ctx, jobID, JobLogEntry{At: time.Now(), Text: text})
}

// runTimeoutSweep implements spec.md §4.8's "Timeout sweep": for each
// active job in queueName, check job_timeout (since StartedAt) and
// trans_timeout (since TransStartedAt). On job timeout: retry if
// RetryLeft>0, else abort. On trans timeout: return if retry available,
// else abort.
func (m *Manager) runTimeoutSweep(ctx context.Context, queueName string, now time.Time) (int, error) {
	jobs, err := m.store.ListJobs(ctx, queueName)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, job := range jobs {
		if job.Status != JobSubmitted && job.Status != JobRunning {
			continue
		}
		if job.JobTimeout > 0 && !job.StartedAt.IsZero() && now.Sub(job.StartedAt) >= job.JobTimeout {
			if job.RetryLeft > 0 {
				job.RetryLeft--
				if _, err := m.reactivateLocked(ctx, job); err != nil {
					return moved, err
				}
			} else {
				if _, err := m.Stop(ctx, job.ID); err != nil {
					return moved, err
				}
			}
			moved++
			continue
		}
		if job.TransID != 0 && job.TransTimeout > 0 && now.Sub(job.TransStartedAt) >= job.TransTimeout {
			if job.RetryLeft > 0 {
				if _, err := m.Return(ctx, job.ID); err != nil {
					return moved, err
				}
			} else {
				if _, err := m.Stop(ctx, job.ID); err != nil {
					return moved, err
				}
			}
			moved++
		}
	}
	return moved, nil
}

// reactivateLocked is Restart's body applied to an already-fetched job,
// used by the timeout sweep to carry its RetryLeft decrement through to
// the save without a redundant (and overwriting) GetJob round trip.
func (m *Manager) reactivateLocked(ctx context.Context, job *Job) (*Job, error) {
	return m.reactivateJob(ctx, job, nil)
}

// runPurgeSweep implements spec.md §4.8's "Global purge sweep": jobs in
// ended|aborted|purged older than PurgeInterval are fully purged, then
// deleted from the job table.
func (m *Manager) runPurgeSweep(ctx context.Context, now time.Time) (int, error) {
	jobs, err := m.store.ListJobs(ctx, "")
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if now.Sub(job.UpdatedAt) < m.cfg.PurgeInterval {
			continue
		}
		if err := m.fullyPurge(ctx, job); err != nil {
			return purged, err
		}
		if err := m.store.DeleteJob(ctx, job.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
