// Package registry is the in-memory source of truth for what is deployed.
// Records live for the agent's lifetime only; a restart is a clean slate.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Active reports whether the status implies a live or starting process.
func (s Status) Active() bool {
	return s == StatusDeploying || s == StatusRunning
}

// ExitInfo captures how a process terminated.
type ExitInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Record is one deployment entry keyed by app name.
type Record struct {
	Name      string    `json:"name"`
	Source    string    `json:"-"` // code payload, not exported over HTTP
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Exit      *ExitInfo `json:"exit,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	WorkFile  string    `json:"work_file,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry holds deployment records with insertion-ordered listing.
// Safe for concurrent use; mutations to one record never block reads of
// another beyond the map lock itself.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	records map[string]*Record
}

func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Upsert creates or replaces the record for rec.Name. Idempotent; the
// original insertion position is kept on replace.
func (r *Registry) Upsert(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, ok := r.records[rec.Name]; !ok {
		r.order = append(r.order, rec.Name)
	}
	cp := rec
	r.records[rec.Name] = &cp
}

// Update applies fn to the record under lock. Returns false when no record
// exists for name.
func (r *Registry) Update(name string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Get returns a snapshot copy of the record for name.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns point-in-time snapshots in insertion order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, name := range r.order {
		if rec, ok := r.records[name]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Remove deletes the record for name. It refuses to remove a record whose
// process is still active; callers must stop the app first.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return nil
	}
	if rec.Status.Active() {
		return fmt.Errorf("deployment %q is still %s", name, rec.Status)
	}
	delete(r.records, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// RunningCount returns how many records are currently Running.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusRunning {
			n++
		}
	}
	return n
}
