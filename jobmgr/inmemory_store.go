package jobmgr

import (
	"context"
	"sort"
	"sync"

	"oss.nandlabs.io/gridmesh/rt"
)

type stateKey struct {
	jobID   int64
	transID int64
	name    string
}

// InMemoryStore is an in-memory Store, the jobmgr analogue of
// pqueue.InMemoryStore/chrono.InMemoryStorage: suitable for tests and
// single-process deployments, not for surviving a process restart.
type InMemoryStore struct {
	mu sync.RWMutex

	defs map[string]*JobDef
	jobs map[int64]*Job
	logs map[int64][]JobLogEntry
	vars map[stateKey]rt.Value
	res  map[int64][]*JobRes

	nextJobID   int64
	nextTransID map[int64]int64
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		defs:        make(map[string]*JobDef),
		jobs:        make(map[int64]*Job),
		logs:        make(map[int64][]JobLogEntry),
		vars:        make(map[stateKey]rt.Value),
		res:         make(map[int64][]*JobRes),
		nextTransID: make(map[int64]int64),
	}
}

func (s *InMemoryStore) SaveJobDef(_ context.Context, def *JobDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	cp.Params = copyValueMap(def.Params)
	s.defs[def.Name] = &cp
	return nil
}

func (s *InMemoryStore) GetJobDef(_ context.Context, name string) (*JobDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	if !ok {
		return nil, ErrJobDefNotFound
	}
	cp := *d
	cp.Params = copyValueMap(d.Params)
	return &cp, nil
}

func (s *InMemoryStore) DeleteJobDef(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return ErrJobDefNotFound
	}
	delete(s.defs, name)
	return nil
}

func (s *InMemoryStore) ListJobDefs(_ context.Context) ([]*JobDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*JobDef, 0, len(s.defs))
	for _, d := range s.defs {
		cp := *d
		cp.Params = copyValueMap(d.Params)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemoryStore) NextJobID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	return s.nextJobID, nil
}

func (s *InMemoryStore) SaveJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.Params = copyValueMap(job.Params)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id int64) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	cp.Params = copyValueMap(j.Params)
	return &cp, nil
}

func (s *InMemoryStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	delete(s.res, id)
	for k := range s.vars {
		if k.jobID == id {
			delete(s.vars, k)
		}
	}
	delete(s.nextTransID, id)
	return nil
}

func (s *InMemoryStore) ListJobs(_ context.Context, queue string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if queue != "" && j.Queue != queue {
			continue
		}
		cp := *j
		cp.Params = copyValueMap(j.Params)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) AppendJobLog(_ context.Context, jobID int64, entry JobLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[jobID] = append(s.logs[jobID], entry)
	return nil
}

func (s *InMemoryStore) ListJobLog(_ context.Context, jobID int64) ([]JobLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[jobID]
	out := make([]JobLogEntry, len(src))
	copy(out, src)
	return out, nil
}

func (s *InMemoryStore) ClearJobLog(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, jobID)
	return nil
}

func (s *InMemoryStore) SetJobState(_ context.Context, jobID, transID int64, name string, value rt.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[stateKey{jobID, transID, name}] = value
	return nil
}

func (s *InMemoryStore) ListJobState(_ context.Context, jobID, transID int64) (map[string]rt.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]rt.Value)
	for k, v := range s.vars {
		if k.jobID == jobID && k.transID == transID {
			out[k.name] = v
		}
	}
	return out, nil
}

func (s *InMemoryStore) CommitJobState(_ context.Context, jobID, transID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.vars {
		if k.jobID == jobID && k.transID == transID {
			s.vars[stateKey{jobID, 0, k.name}] = v
			delete(s.vars, k)
		}
	}
	return nil
}

func (s *InMemoryStore) DeleteJobState(_ context.Context, jobID int64, transID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.vars {
		if k.jobID != jobID {
			continue
		}
		if transID >= 0 && k.transID != transID {
			continue
		}
		delete(s.vars, k)
	}
	return nil
}

func (s *InMemoryStore) NextTransID(_ context.Context, jobID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTransID[jobID]++
	return s.nextTransID[jobID], nil
}

func (s *InMemoryStore) AllocJobRes(_ context.Context, jobID, transID int64, kind ResKind, path string, sizeHint int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.res[jobID] = append(s.res[jobID], &JobRes{JobID: jobID, TransID: transID, Kind: kind, Path: path, SizeHint: sizeHint})
	return nil
}

func (s *InMemoryStore) ListJobRes(_ context.Context, jobID int64, transID int64) ([]*JobRes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*JobRes
	for _, r := range s.res[jobID] {
		if transID >= 0 && r.TransID != transID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteJobRes(_ context.Context, jobID int64, transID int64, kinds ...ResKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[ResKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	kept := s.res[jobID][:0]
	for _, r := range s.res[jobID] {
		matchTrans := transID < 0 || r.TransID == transID
		matchKind := len(kinds) == 0 || want[r.Kind]
		if matchTrans && matchKind {
			continue
		}
		kept = append(kept, r)
	}
	s.res[jobID] = kept
	return nil
}

func (s *InMemoryStore) DeleteJobResByPath(_ context.Context, jobID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.res[jobID][:0]
	for _, r := range s.res[jobID] {
		if r.Path == path {
			continue
		}
		kept = append(kept, r)
	}
	s.res[jobID] = kept
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func copyValueMap(m map[string]rt.Value) map[string]rt.Value {
	if m == nil {
		return nil
	}
	out := make(map[string]rt.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
