package session

import (
	goerrors "errors"
	"sync"

	"fileferry/internal/errors"
)

// ErrDuplicateID is returned when a handshake claims a client ID that
// another live session already holds.
var ErrDuplicateID = goerrors.New("ID already taken")

// Registry holds the set of claimed client IDs. Sessions themselves
// are owned by their handler goroutines; the registry only arbitrates
// ID uniqueness, under a single mutex.
type Registry struct {
	mu  sync.Mutex
	ids map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]*Session)}
}

// Claim registers the session under the given client ID. A duplicate
// ID is rejected with ErrDuplicateID and the session holding it stays
// untouched.
func (r *Registry) Claim(s *Session, id string) error {
	if id == "" {
		return errors.NewValidationError("client_id", id, "empty client ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.ids[id]; taken {
		return ErrDuplicateID
	}
	r.ids[id] = s
	s.id = id
	return nil
}

// Lookup returns the session holding the given ID.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ids[id]
	return s, ok
}

// Release frees the session's client ID and tears down its active
// transfer. Safe to call more than once; the ID is freed exactly once
// and only if this session still holds it.
func (r *Registry) Release(s *Session) {
	s.CloseTransfer()

	if s.id == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.ids[s.id]; ok && holder == s {
		delete(r.ids, s.id)
	}
	s.id = ""
}

// Len reports the number of claimed IDs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}
