package jobmgr

import (
	"context"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/handler"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
)

// DefStatusCheckDelay is the default interval between a Queue's
// activation/timeout sweep passes (spec.md §4.8
// JQT_DEF_TIMEOUT_CHECK_DELAY).
const DefStatusCheckDelay = 200 * time.Millisecond

// Queue is a job queue task: on start it drains stale workers left over
// from a crash, then on every RunStep it activates ready jobs and sweeps
// active jobs for timeouts (spec.md §4.8 "Job queues"). It is the
// transport half of the job manager; Manager (manager.go) holds the
// durable state it mutates.
type Queue struct {
	sched.BaseTask
	mgr  *Manager
	sch  *sched.Scheduler
	self addr.Address
	name string

	stopping bool
}

// NewQueue builds a job Queue task named name, posting job_worker.*
// commands as self and recovering stale workers via mgr/sch when Started.
func NewQueue(name string, mgr *Manager, sch *sched.Scheduler, self addr.Address) *Queue {
	return &Queue{
		BaseTask: sched.BaseTask{TaskID: "jobmgr.queue-" + name, TaskName: "job queue " + name, Daemon: true},
		mgr:      mgr,
		sch:      sch,
		self:     self,
		name:     name,
	}
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Start performs spec.md §4.8's start_queue stale-worker recovery:
// submitted->ready with lock_id+=1; running->sleep with lock_id+=1; then
// registers itself with the Manager so lifecycle ops can route worker
// cancellation through it.
func (q *Queue) Start(ctx context.Context) error {
	jobs, err := q.mgr.store.ListJobs(ctx, q.name)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		switch job.Status {
		case JobSubmitted:
			job.Status = JobReady
			job.LockID++
		case JobRunning:
			job.Status = JobSleep
			job.LockID++
		default:
			continue
		}
		job.UpdatedAt = now
		if err := q.mgr.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	q.mgr.registerQueue(q)
	return nil
}

// beginStop implements spec.md §4.8's stop_queue: running jobs are sent
// back to sleep; the task itself then exits via RequestStop.
func (q *Queue) beginStop(ctx context.Context) error {
	jobs, err := q.mgr.store.ListJobs(ctx, q.name)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		if job.Status != JobRunning && job.Status != JobSubmitted {
			continue
		}
		job.Status = JobSleep
		job.UpdatedAt = now
		if err := q.mgr.store.SaveJob(ctx, job); err != nil {
			return err
		}
	}
	q.mgr.unregisterQueue(q.name)
	q.stopping = true
	q.RequestStop()
	return nil
}

func (q *Queue) RunStep() {
	q.MarkRunning()
	if q.stopping {
		q.MarkStopped()
		return
	}
	ctx := context.Background()
	now := time.Now()
	q.activateReady(ctx, now)
	if _, err := q.mgr.runTimeoutSweep(ctx, q.name, now); err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: timeout sweep failed: %v", q.name, err)
	}
	q.SleepFor(DefStatusCheckDelay)
}

// activateReady implements spec.md §4.8 "Job activation": a ready job
// whose ActivateAt has passed is sent job_worker.start_work, moving to
// submitted. The ACK (handled in the Post callback below) advances it to
// running once the worker replies with a matching lock-id.
func (q *Queue) activateReady(ctx context.Context, now time.Time) {
	jobs, err := q.mgr.store.ListJobs(ctx, q.name)
	if err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: list jobs failed: %v", q.name, err)
		return
	}
	for _, job := range jobs {
		if job.Status != JobReady {
			continue
		}
		if !job.ActivateAt.IsZero() && now.Before(job.ActivateAt) {
			continue
		}
		q.activateOne(ctx, job, now)
	}
}

func (q *Queue) activateOne(ctx context.Context, job *Job, now time.Time) {
	job.LockID++
	job.Status = JobSubmitted
	job.StartedAt = now
	job.UpdatedAt = now
	if err := q.mgr.store.SaveJob(ctx, job); err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: activate job %d failed: %v", q.name, job.ID, err)
		return
	}
	if job.TargetAddr == "" {
		return
	}
	target, err := addr.Parse(job.TargetAddr)
	if err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: job %d has unparseable target_addr %q: %v", q.name, job.ID, job.TargetAddr, err)
		return
	}
	params := rt.Map(map[string]rt.Value{
		"job_id":  rt.Int64(job.ID),
		"lock_id": rt.Int64(job.LockID),
		"command": rt.String(job.Command),
		"params":  rt.Map(job.Params),
	})
	env := envelope.NewEnvelope(q.self, target, 0, envelope.Request{Command: "job_worker.start_work", Params: params})
	jobID, lockID := job.ID, job.LockID
	h := handler.Func{
		OnResult: func(resp envelope.Envelope) { q.onWorkerAck(jobID, lockID, resp) },
		OnError:  func(resp envelope.Envelope) { q.onWorkerAck(jobID, lockID, resp) },
	}
	if _, err := q.sch.PostForTask(env, h, q.ID()); err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: posting start_work for job %d failed: %v", q.name, job.ID, err)
	}
}

// onWorkerAck implements spec.md §4.8's "When a worker ACKs, status
// becomes running and worker_addr is recorded. Outdated ACKs (stale
// lock) are logged but do not advance state."
func (q *Queue) onWorkerAck(jobID, lockID int64, resp envelope.Envelope) {
	ctx := context.Background()
	job, err := q.mgr.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.LockID != lockID || job.Status != JobSubmitted {
		q.mgr.logger.WarnF("jobmgr[%s]: stale start_work ack for job %d (lock %d, current status %s)", q.name, jobID, lockID, job.Status)
		return
	}
	job.Status = JobRunning
	job.WorkerAddr = resp.Sender.String()
	job.UpdatedAt = time.Now()
	if err := q.mgr.store.SaveJob(ctx, job); err != nil {
		q.mgr.logger.ErrorF("jobmgr[%s]: recording worker ack for job %d failed: %v", q.name, jobID, err)
	}
}

// cancelWorker fires job_worker.cancel at a job's recorded worker
// address (Restart/Return/Stop's "cancel the worker" step). Best-effort:
// a worker that never acks the cancellation is still cut loose from the
// job's durable state by the caller.
func (q *Queue) cancelWorker(job *Job) {
	if job.WorkerAddr == "" || job.Status == JobReady {
		return
	}
	target, err := addr.Parse(job.WorkerAddr)
	if err != nil {
		return
	}
	params := rt.Map(map[string]rt.Value{"job_id": rt.Int64(job.ID), "lock_id": rt.Int64(job.LockID)})
	env := envelope.NewEnvelope(q.self, target, 0, envelope.Request{Command: "job_worker.cancel", Params: params})
	_, _ = q.sch.Post(env, nil)
}

func (q *Queue) HandleMessage(env envelope.Envelope, respond func(result, errBody rt.Value)) {
	if err := q.Start(context.Background()); err != nil {
		respond(rt.Null(), envelope.ErrorResult(err.Error()))
		return
	}
	respond(rt.Map(map[string]rt.Value{"queue": rt.String(q.name)}), rt.Null())
}

func (q *Queue) HandleResponse(resp envelope.Envelope) {}

func (q *Queue) AcceptsMessage(command string) bool { return false }
