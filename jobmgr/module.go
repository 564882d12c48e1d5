package jobmgr

import (
	"context"
	"strings"
	"time"

	"oss.nandlabs.io/gridmesh/addr"
	"oss.nandlabs.io/gridmesh/envelope"
	"oss.nandlabs.io/gridmesh/rt"
	"oss.nandlabs.io/gridmesh/sched"
	"oss.nandlabs.io/gridmesh/status"
)

// Module adapts a Manager to sched.Module under the "jobmgr" interface
// prefix, implementing the wire operations from spec.md §4.8:
// init_manager/define/change_def/remove_def/list_defs/desc_def for job
// definitions; start_queue/stop_queue/list_queues for queue lifecycle
// (start_queue returns status.TaskReq so the scheduler installs a Queue
// task, per sched.Module's task-request protocol); start/ended/restart/
// return/stop/purge/list_jobs for job lifecycle; get_state/set_vars/
// disp_vars/alloc_res/dealloc_res/commit/rollback/log_text for the
// worker-facing transactional state API.
type Module struct {
	sched.BaseModule
	mgr  *Manager
	sch  *sched.Scheduler
	self addr.Address
}

// NewModule builds a jobmgr.Module over mgr, using sch to post
// job_worker.* commands and self as the sender address queues use.
func NewModule(mgr *Manager, sch *sched.Scheduler, self addr.Address) *Module {
	return &Module{
		BaseModule: sched.BaseModule{Interfaces: []string{"jobmgr"}},
		mgr:        mgr,
		sch:        sch,
		self:       self,
	}
}

func (m *Module) HandleMessage(command string, params rt.Value, result *rt.Value) status.Code {
	env := envelope.Envelope{Event: envelope.Request{Command: command, Params: params}}
	return m.HandleEnvelope(env, result)
}

func (m *Module) HandleEnvelope(env envelope.Envelope, result *rt.Value) status.Code {
	req, ok := env.Event.(envelope.Request)
	if !ok {
		return status.UnkMsg
	}
	_, verb, _ := strings.Cut(req.Command, ".")
	p := req.Params
	ctx := context.Background()

	switch verb {
	case "init_manager":
		return status.OK
	case "define":
		return m.define(ctx, p, result)
	case "change_def":
		return m.changeDef(ctx, p, result)
	case "remove_def":
		return m.removeDef(ctx, p, result)
	case "list_defs":
		return m.listDefs(ctx, result)
	case "desc_def":
		return m.descDef(ctx, p, result)
	case "start_queue":
		if _, ok := m.mgr.Queue(p.GetOr("queue", rt.Null()).AsString("")); ok {
			return status.OK
		}
		return status.TaskReq
	case "stop_queue":
		return m.stopQueue(ctx, p)
	case "list_queues":
		*result = rt.List(stringsToValues(m.mgr.QueueNames())...)
		return status.OK
	case "list_jobs":
		return m.listJobs(ctx, p, result)
	case "start":
		return m.start(ctx, p, result)
	case "ended":
		return m.ended(ctx, p, result)
	case "restart":
		return m.restart(ctx, p, result)
	case "return":
		return m.returnJob(ctx, p, result)
	case "stop":
		return m.stop(ctx, p, result)
	case "purge":
		return m.purge(ctx, p, result)
	case "get_state":
		return m.getState(ctx, p, result)
	case "set_vars":
		return m.setVars(ctx, p)
	case "disp_vars":
		return m.getState(ctx, p, result)
	case "alloc_res":
		return m.allocRes(ctx, p)
	case "dealloc_res":
		return m.deallocRes(ctx, p)
	case "commit":
		return m.commit(ctx, p, result)
	case "rollback":
		return m.rollback(ctx, p)
	case "log_text":
		return m.logText(ctx, p)
	default:
		return status.UnkMsg
	}
}

// PrepareTaskForMessage builds the Queue task requested by start_queue.
func (m *Module) PrepareTaskForMessage(env envelope.Envelope) (sched.Task, error) {
	req, _ := env.Event.(envelope.Request)
	name := req.Params.GetOr("queue", rt.Null()).AsString("")
	return NewQueue(name, m.mgr, m.sch, m.self), nil
}

func (m *Module) stopQueue(ctx context.Context, p rt.Value) status.Code {
	name := p.GetOr("queue", rt.Null()).AsString("")
	q, ok := m.mgr.Queue(name)
	if !ok {
		return status.WrongCfg
	}
	if err := q.beginStop(ctx); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) define(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	def := valueToJobDef(p)
	if def.Name == "" {
		return status.WrongParams
	}
	if err := m.mgr.DefineJobDef(ctx, def); err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	return status.OK
}

func (m *Module) changeDef(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	def := valueToJobDef(p)
	if def.Name == "" {
		return status.WrongParams
	}
	if err := m.mgr.ChangeJobDef(ctx, def); err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	return status.OK
}

func (m *Module) removeDef(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	name := p.GetOr("name", rt.Null()).AsString("")
	if err := m.mgr.RemoveJobDef(ctx, name); err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	return status.OK
}

func (m *Module) listDefs(ctx context.Context, result *rt.Value) status.Code {
	defs, err := m.mgr.ListJobDefs(ctx)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	names := make([]rt.Value, len(defs))
	for i, d := range defs {
		names[i] = rt.String(d.Name)
	}
	*result = rt.List(names...)
	return status.OK
}

func (m *Module) descDef(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	name := p.GetOr("name", rt.Null()).AsString("")
	def, err := m.mgr.DescribeJobDef(ctx, name)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobDefToValue(def)
	return status.OK
}

func (m *Module) listJobs(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	queue := p.GetOr("queue", rt.Null()).AsString("")
	jobs, err := m.mgr.store.ListJobs(ctx, queue)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	out := make([]rt.Value, len(jobs))
	for i, j := range jobs {
		out[i] = jobToValue(j)
	}
	*result = rt.List(out...)
	return status.OK
}

func (m *Module) start(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	defName := p.GetOr("def", rt.Null()).AsString("")
	if defName == "" {
		return status.WrongParams
	}
	overrides := make(map[string]rt.Value)
	if v, ok := p.Get("params"); ok {
		for k, vv := range v.AsMap() {
			overrides[k] = vv
		}
	}
	job, err := m.mgr.Start(ctx, defName, overrides)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobToValue(job)
	return status.OK
}

func (m *Module) ended(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	lockID := p.GetOr("lock_id", rt.Int64(0)).AsInt64(0)
	ok := p.GetOr("ok", rt.Bool(true)).AsBool(true)
	accepted, err := m.mgr.Ended(ctx, jobID, lockID, ok)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"accepted": rt.Bool(accepted)})
	return status.OK
}

func (m *Module) restart(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	job, err := m.mgr.Restart(ctx, jobID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobToValue(job)
	return status.OK
}

func (m *Module) returnJob(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	job, err := m.mgr.Return(ctx, jobID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobToValue(job)
	return status.OK
}

func (m *Module) stop(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	job, err := m.mgr.Stop(ctx, jobID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobToValue(job)
	return status.OK
}

func (m *Module) purge(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	job, err := m.mgr.Purge(ctx, jobID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = jobToValue(job)
	return status.OK
}

func (m *Module) getState(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	vars, err := m.mgr.GetState(ctx, jobID)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(vars)
	return status.OK
}

func (m *Module) setVars(ctx context.Context, p rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	vars := p.GetOr("vars", rt.Null()).AsMap()
	if err := m.mgr.SetVars(ctx, jobID, vars); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) allocRes(ctx context.Context, p rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	kind, ok := parseResKind(p.GetOr("kind", rt.Null()).AsString(""))
	if !ok {
		return status.WrongParams
	}
	path := p.GetOr("path", rt.Null()).AsString("")
	sizeHint := p.GetOr("size_hint", rt.Int64(0)).AsInt64(0)
	if err := m.mgr.AllocRes(ctx, jobID, kind, path, sizeHint); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) deallocRes(ctx context.Context, p rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	path := p.GetOr("path", rt.Null()).AsString("")
	if err := m.mgr.DeallocRes(ctx, jobID, path); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) commit(ctx context.Context, p rt.Value, result *rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	chained := p.GetOr("chained", rt.Bool(false)).AsBool(false)
	newTrans, err := m.mgr.Commit(ctx, jobID, chained)
	if err != nil {
		*result = envelope.ErrorResult(err.Error())
		return status.Err
	}
	*result = rt.Map(map[string]rt.Value{"trans_id": rt.Int64(newTrans)})
	return status.OK
}

func (m *Module) rollback(ctx context.Context, p rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	if err := m.mgr.Rollback(ctx, jobID); err != nil {
		return status.Err
	}
	return status.OK
}

func (m *Module) logText(ctx context.Context, p rt.Value) status.Code {
	jobID := p.GetOr("job_id", rt.Int64(0)).AsInt64(0)
	text := p.GetOr("text", rt.Null()).AsString("")
	if err := m.mgr.LogText(ctx, jobID, text); err != nil {
		return status.Err
	}
	return status.OK
}

func parseResKind(s string) (ResKind, bool) {
	switch s {
	case "tempfile":
		return ResTempFile, true
	case "workfile":
		return ResWorkFile, true
	case "obsolfile":
		return ResObsolFile, true
	default:
		return 0, false
	}
}

func stringsToValues(ss []string) []rt.Value {
	out := make([]rt.Value, len(ss))
	for i, s := range ss {
		out[i] = rt.String(s)
	}
	return out
}

func valueToJobDef(v rt.Value) *JobDef {
	return &JobDef{
		Name:         v.GetOr("name", rt.Null()).AsString(""),
		Base:         v.GetOr("base", rt.Null()).AsString(""),
		Command:      v.GetOr("command", rt.Null()).AsString(""),
		Queue:        v.GetOr("queue", rt.Null()).AsString(""),
		TargetAddr:   v.GetOr("target_addr", rt.Null()).AsString(""),
		TransSup:     v.GetOr("trans_sup", rt.Bool(false)).AsBool(false),
		JobTimeout:   time.Duration(v.GetOr("job_timeout_ms", rt.Int64(0)).AsInt64(0)) * time.Millisecond,
		TransTimeout: time.Duration(v.GetOr("trans_timeout_ms", rt.Int64(0)).AsInt64(0)) * time.Millisecond,
		RetryCount:   int(v.GetOr("retry_count", rt.Int64(0)).AsInt64(0)),
		Params:       v.GetOr("params", rt.Null()).AsMap(),
	}
}

func jobDefToValue(d *JobDef) rt.Value {
	return rt.Map(map[string]rt.Value{
		"name":             rt.String(d.Name),
		"base":             rt.String(d.Base),
		"command":          rt.String(d.Command),
		"queue":            rt.String(d.Queue),
		"target_addr":      rt.String(d.TargetAddr),
		"trans_sup":        rt.Bool(d.TransSup),
		"job_timeout_ms":   rt.Int64(int64(d.JobTimeout / time.Millisecond)),
		"trans_timeout_ms": rt.Int64(int64(d.TransTimeout / time.Millisecond)),
		"retry_count":      rt.Int64(int64(d.RetryCount)),
		"params":           rt.Map(d.Params),
	})
}

func jobToValue(j *Job) rt.Value {
	return rt.Map(map[string]rt.Value{
		"id":          rt.Int64(j.ID),
		"def":         rt.String(j.DefName),
		"queue":       rt.String(j.Queue),
		"command":     rt.String(j.Command),
		"status":      rt.String(j.Status.String()),
		"lock_id":     rt.Int64(j.LockID),
		"retry_left":  rt.Int64(int64(j.RetryLeft)),
		"worker_addr": rt.String(j.WorkerAddr),
		"trans_id":    rt.Int64(j.TransID),
		"params":      rt.Map(j.Params),
		"created_at":  rt.DateTime(j.CreatedAt),
		"updated_at":  rt.DateTime(j.UpdatedAt),
	})
}
