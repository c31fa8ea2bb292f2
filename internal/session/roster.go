package session

import (
	"sort"
	"sync"
)

// Member is a participant known to the authority through its hello.
type Member struct {
	ConnID   string
	UserID   string
	UserName string
}

// roster maps live connections to the users that said hello on them.
type roster struct {
	mu      sync.RWMutex
	byConn  map[string]Member
	pending map[string]struct{}
}

func newRoster() *roster {
	return &roster{
		byConn:  make(map[string]Member),
		pending: make(map[string]struct{}),
	}
}

func (r *roster) open(connID string) {
	r.mu.Lock()
	r.pending[connID] = struct{}{}
	r.mu.Unlock()
}

func (r *roster) join(m Member) {
	r.mu.Lock()
	delete(r.pending, m.ConnID)
	r.byConn[m.ConnID] = m
	r.mu.Unlock()
}

func (r *roster) leave(connID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, connID)
	m, ok := r.byConn[connID]
	delete(r.byConn, connID)
	return m, ok
}

func (r *roster) byConnID(connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byConn[connID]
	return m, ok
}

func (r *roster) connOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.byConn {
		if m.UserID == userID {
			return id, true
		}
	}
	return "", false
}

func (r *roster) hasUser(userID string) bool {
	_, ok := r.connOf(userID)
	return ok
}

func (r *roster) members() []Member {
	r.mu.RLock()
	out := make([]Member, 0, len(r.byConn))
	for _, m := range r.byConn {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// awaiting counts connections that have not said hello yet.
func (r *roster) awaiting() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
