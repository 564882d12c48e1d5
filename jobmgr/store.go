// Package jobmgr implements the persistent job manager (spec.md §4.8): a
// restart-safe runtime for job definitions, job queues, transactional
// state/resource bookkeeping, and the worker-side sync-action protocol,
// layered on top of the scheduler (sched) and the persistent queue
// (pqueue) the same runtime also provides.
package jobmgr

import (
	"context"
	"errors"
	"time"

	"oss.nandlabs.io/gridmesh/rt"
)

// Status is a job's position in the lifecycle graph from spec.md §4.8:
// ready -> submitted -> running, with sleep/paused as queue-recovery and
// operator states, and aborted/ended/purged as terminal states.
type Status int

const (
	JobReady Status = iota
	JobSubmitted
	JobRunning
	JobSleep
	JobPaused
	JobAborted
	JobEnded
	JobPurged
)

func (s Status) String() string {
	switch s {
	case JobReady:
		return "ready"
	case JobSubmitted:
		return "submitted"
	case JobRunning:
		return "running"
	case JobSleep:
		return "sleep"
	case JobPaused:
		return "paused"
	case JobAborted:
		return "aborted"
	case JobEnded:
		return "ended"
	case JobPurged:
		return "purged"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a job in this status accepts no further
// activation without an operator action (restart/return).
func (s Status) IsTerminal() bool {
	return s == JobAborted || s == JobEnded || s == JobPurged
}

// ResKind distinguishes the three allocation kinds spec.md §4.8 and
// original_source's JobWorkFile.h assign different disposal rules:
// tempfile/obsolfile are deleted on commit, tempfile/workfile on
// rollback — workfile alone survives a commit, obsolfile alone survives
// a rollback.
type ResKind int

const (
	ResTempFile ResKind = iota
	ResWorkFile
	ResObsolFile
)

func (k ResKind) String() string {
	switch k {
	case ResTempFile:
		return "tempfile"
	case ResWorkFile:
		return "workfile"
	case ResObsolFile:
		return "obsolfile"
	default:
		return "unknown"
	}
}

// JobDef is a CRUD-managed job definition: a base to inherit params from,
// the command a worker runs, the queue it activates on, and the
// transaction/timeout/retry policy for jobs started from it.
type JobDef struct {
	Name         string
	Base         string
	Command      string
	Queue        string
	TargetAddr   string
	TransSup     bool
	JobTimeout   time.Duration
	TransTimeout time.Duration
	RetryCount   int
	Params       map[string]rt.Value
}

// JobLogEntry is one line appended to a job's durable log.
type JobLogEntry struct {
	At   time.Time
	Text string
}

// JobRes is one resource allocation a worker registered against a job,
// optionally scoped to an open transaction (TransID 0 means it survives
// outside any transaction, e.g. allocated before trans_sup activation).
type JobRes struct {
	JobID    int64
	TransID  int64
	Kind     ResKind
	Path     string
	SizeHint int64
}

// Job is one running (or finished) instance of a JobDef.
type Job struct {
	ID             int64
	DefName        string
	Queue          string
	Command        string
	TargetAddr     string
	Status         Status
	LockID         int64
	RetryLeft      int
	JobTimeout     time.Duration
	TransTimeout   time.Duration
	WorkerAddr     string
	TransID        int64
	TransStartedAt time.Time
	ActivateAt     time.Time
	StartedAt      time.Time
	Params         map[string]rt.Value
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var (
	ErrJobNotFound    = errors.New("jobmgr: job not found")
	ErrJobDefNotFound = errors.New("jobmgr: job definition not found")
	ErrNoActiveTrans  = errors.New("jobmgr: no active transaction")
)

// Store is the durable-backend interface behind a Manager, shaped on
// chrono.Storage/pqueue.Store's save/get/delete/list split, generalized
// to the job manager's several related row kinds (job_def, job,
// job_log, job_state, job_res) instead of one message kind.
type Store interface {
	SaveJobDef(ctx context.Context, def *JobDef) error
	GetJobDef(ctx context.Context, name string) (*JobDef, error)
	DeleteJobDef(ctx context.Context, name string) error
	ListJobDefs(ctx context.Context) ([]*JobDef, error)

	// NextJobID draws the next job id from a monotonic counter.
	NextJobID(ctx context.Context) (int64, error)
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id int64) (*Job, error)
	DeleteJob(ctx context.Context, id int64) error
	// ListJobs returns every job under queue, or every job store-wide
	// when queue is "".
	ListJobs(ctx context.Context, queue string) ([]*Job, error)

	AppendJobLog(ctx context.Context, jobID int64, entry JobLogEntry) error
	ListJobLog(ctx context.Context, jobID int64) ([]JobLogEntry, error)
	ClearJobLog(ctx context.Context, jobID int64) error

	// SetJobState upserts one state variable at the given transaction
	// scope (transID 0 is the committed value).
	SetJobState(ctx context.Context, jobID, transID int64, name string, value rt.Value) error
	// ListJobState returns every state variable at the given transaction
	// scope.
	ListJobState(ctx context.Context, jobID, transID int64) (map[string]rt.Value, error)
	// CommitJobState copies every transID-scoped variable to scope 0,
	// overwriting, then deletes the transID rows (spec.md §4.8 commit's
	// "copy job_state(trans_id=T,*) into trans_id=0, delete T-rows").
	CommitJobState(ctx context.Context, jobID, transID int64) error
	// DeleteJobState removes every variable at the given transaction
	// scope; transID<0 removes every scope for the job (used by purge).
	DeleteJobState(ctx context.Context, jobID int64, transID int64) error

	// NextTransID draws the next transaction id for a job.
	NextTransID(ctx context.Context, jobID int64) (int64, error)

	AllocJobRes(ctx context.Context, jobID, transID int64, kind ResKind, path string, sizeHint int64) error
	// ListJobRes returns allocations at the given transaction scope;
	// transID<0 returns every scope for the job.
	ListJobRes(ctx context.Context, jobID int64, transID int64) ([]*JobRes, error)
	// DeleteJobRes removes allocations matching transID (transID<0 means
	// every scope) and, if kinds is non-empty, restricted to those kinds.
	DeleteJobRes(ctx context.Context, jobID int64, transID int64, kinds ...ResKind) error
	// DeleteJobResByPath removes the single allocation row matching path,
	// for callers that have already filtered a row set (e.g. against a
	// safe-root allow-list) and must delete exactly those rows.
	DeleteJobResByPath(ctx context.Context, jobID int64, path string) error

	Close() error
}
