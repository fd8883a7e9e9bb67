package protocol

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRequest correlates an in-flight command with its requester until the
// terminal reply has been emitted or the entry times out.
type pendingRequest struct {
	ID       string
	Origin   string
	Cmd      string
	IssuedAt time.Time
}

type pendingTable struct {
	mu sync.Mutex
	m  map[string]pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]pendingRequest)}
}

func (t *pendingTable) add(origin, cmd string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.m[id] = pendingRequest{ID: id, Origin: origin, Cmd: cmd, IssuedAt: time.Now()}
	t.mu.Unlock()
	return id
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[id]
	return ok
}

func (t *pendingTable) complete(id string) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// sweep drops entries older than maxAge and returns how many were dropped.
func (t *pendingTable) sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, pr := range t.m {
		if pr.IssuedAt.Before(cutoff) {
			delete(t.m, id)
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
