package addr

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/uuid"
)

// Features is a bitmask of registry-entry capabilities.
type Features uint8

const (
	// FeaturePublic marks an entry as advertisable to a remote directory.
	FeaturePublic Features = 1 << iota
	// FeatureDirectContact marks an entry whose stored address should be
	// used directly as a reply address, instead of the role name itself.
	FeatureDirectContact
)

// EntryKind mirrors the registration kind requested by a caller.
type EntryKind int

const (
	KindName EntryKind = iota
	KindRole
	KindPath
)

// Entry is a single registry record (spec.md §3 "Registry entry").
type Entry struct {
	Handle   string
	Address  string
	Kind     EntryKind
	Features Features
	ShareAt  time.Time
	EndAt    time.Time // zero means never expires
	Services []string
}

// Valid reports whether the entry has not expired.
func (e *Entry) Valid(now time.Time) bool {
	return e.EndAt.IsZero() || e.EndAt.After(now)
}

// hasService reports membership, with a trailing "*" on pattern meaning
// "prefix match".
func hasService(e *Entry, pattern string) bool {
	if pattern == "" {
		return true
	}
	wildcard := strings.HasSuffix(pattern, "*")
	prefix := strings.TrimSuffix(pattern, "*")
	for _, s := range e.Services {
		if wildcard {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		} else if s == pattern {
			return true
		}
	}
	return false
}

// Registry maps logical addresses (role, name/path) to concrete entries.
// It is per-scheduler state and mutated only from the scheduler's own
// goroutine, but the mutex is kept for safety when a registry outlives a
// single scheduler (e.g. shared by a node factory at startup).
type Registry struct {
	mutex    sync.RWMutex
	byRole   map[string][]*Entry
	byExact  map[string]*Entry
	byHandle map[string]*Entry
	nextID   uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRole:   make(map[string][]*Entry),
		byExact:  make(map[string]*Entry),
		byHandle: make(map[string]*Entry),
	}
}

// Register adds target under the given kind and returns the opaque handle
// accepted by Registry.Unregister and Registry.ByHandle.
func (r *Registry) Register(target string, kind EntryKind, features Features, shareAt, endAt time.Time) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nextID++
	handle := genHandle(r.nextID)
	e := &Entry{
		Handle:   handle,
		Address:  target,
		Kind:     kind,
		Features: features,
		ShareAt:  shareAt,
		EndAt:    endAt,
	}
	r.byHandle[handle] = e
	switch kind {
	case KindRole:
		r.byRole[target] = append(r.byRole[target], e)
	default:
		r.byExact[target] = e
	}
	return handle
}

func genHandle(n uint64) string {
	id, err := uuid.V1()
	if err != nil {
		// extremely unlikely: fall back to a counter-derived handle so
		// Register never fails outright.
		return "h-" + strconv.FormatUint(n, 10)
	}
	return id.String()
}

// RegisterService adds a service tag to an entry. If sourceKey parses as a
// role, the tag is added to every entry registered under that role;
// otherwise it is added to the single exact entry (spec.md §4.1).
func (r *Registry) RegisterService(sourceKey string, service string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	a, err := Parse(sourceKey)
	if err == nil && a.Kind == Role {
		for _, e := range r.byRole[a.Role] {
			e.Services = append(e.Services, service)
		}
		return
	}
	if e, ok := r.byExact[sourceKey]; ok {
		e.Services = append(e.Services, service)
	}
}

// Resolve implements the resolution rules of spec.md §4.1. When publicOnly
// is set, entries without FeaturePublic are skipped for Role lookups.
func (r *Registry) Resolve(a Address, publicOnly bool) ([]string, error) {
	return r.resolveService(a, publicOnly, "")
}

// ResolveService is Resolve filtered additionally by a service tag
// (supporting a trailing "*" wildcard).
func (r *Registry) ResolveService(a Address, publicOnly bool, service string) ([]string, error) {
	return r.resolveService(a, publicOnly, service)
}

func (r *Registry) resolveService(a Address, publicOnly bool, service string) ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	now := time.Now()
	switch a.Kind {
	case Fixed:
		if !a.HostForm {
			// protocol::name — a bare name is looked up in the exact map
			for _, key := range []string{a.Build(), a.Node} {
				if e, ok := r.byExact[key]; ok {
					if e.Valid(now) {
						return []string{e.Address}, nil
					}
					return nil, ErrUnknownAlias
				}
			}
			return nil, ErrUnknownAlias
		}
		return []string{a.Build()}, nil
	case Role:
		seen := make(map[string]bool)
		var out []string
		for _, e := range r.byRole[a.Role] {
			if !e.Valid(now) {
				continue
			}
			if publicOnly && e.Features&FeaturePublic == 0 {
				continue
			}
			if !hasService(e, service) {
				continue
			}
			addr := a.Build()
			if e.Features&FeatureDirectContact != 0 {
				addr = e.Address
			}
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
		if len(out) == 0 {
			return nil, ErrUnknownAlias
		}
		return out, nil
	case VPath:
		if e, ok := r.byExact[a.VPath]; ok && e.Valid(now) {
			return []string{e.Address}, nil
		}
		return nil, ErrUnknownAlias
	default:
		if e, ok := r.byExact[a.Node]; ok && e.Valid(now) {
			return []string{e.Address}, nil
		}
		if e, ok := r.byExact[a.Raw]; ok && e.Valid(now) {
			return []string{e.Address}, nil
		}
		return nil, ErrUnknownAlias
	}
}

// ByHandle returns the entry registered under the given handle.
func (r *Registry) ByHandle(handle string) (*Entry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.byHandle[handle]
	return e, ok
}

// Unregister removes an entry by its handle from all three indices.
func (r *Registry) Unregister(handle string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return
	}
	delete(r.byHandle, handle)
	switch e.Kind {
	case KindRole:
		for role, entries := range r.byRole {
			for i, cand := range entries {
				if cand == e {
					r.byRole[role] = append(entries[:i], entries[i+1:]...)
					break
				}
			}
		}
	default:
		for key, cand := range r.byExact {
			if cand == e {
				delete(r.byExact, key)
				break
			}
		}
	}
}

// ValidateEntries drops expired entries across all three indices in a
// single pass (spec.md §4.1).
func (r *Registry) ValidateEntries() (removed int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	for handle, e := range r.byHandle {
		if e.Valid(now) {
			continue
		}
		delete(r.byHandle, handle)
		removed++
		switch e.Kind {
		case KindRole:
			for role, entries := range r.byRole {
				for i, cand := range entries {
					if cand == e {
						r.byRole[role] = append(entries[:i], entries[i+1:]...)
						break
					}
				}
			}
		default:
			for key, cand := range r.byExact {
				if cand == e {
					delete(r.byExact, key)
					break
				}
			}
		}
	}
	return
}
