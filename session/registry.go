// Package session tracks live connections per user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/leisurelyCoder/chattle/db"
	"go.uber.org/zap"
)

// Store persists the session audit trail.
type Store interface {
	CreateSession(ctx context.Context, userID, connID string) error
	DeactivateSession(ctx context.Context, connID string) (bool, error)
}

// Registry counts active connections per user. Register and Deregister for the
// same user are serialized, and their continuations run inside that critical
// section, so a caller can act on the resulting count without racing another
// connect or disconnect of the same user.
type Registry struct {
	store Store
	locks *userLocks
	log   *zap.Logger

	mu     sync.Mutex
	conns  map[string]string // conn -> user
	counts map[string]int
}

func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		locks:  newUserLocks(),
		log:    logger.Named("session"),
		conns:  make(map[string]string),
		counts: make(map[string]int),
	}
}

// Register records a new active session and calls then with the user's resulting
// active count. If then fails the registration is undone and its error returned.
func (r *Registry) Register(ctx context.Context, userID, connID string, then func(count int) error) (int, error) {
	unlock := r.locks.lock(userID)
	defer unlock()

	r.mu.Lock()
	_, dup := r.conns[connID]
	r.mu.Unlock()
	if dup {
		return 0, apperr.Conflict("Connection already registered")
	}

	if err := r.store.CreateSession(ctx, userID, connID); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return 0, apperr.Conflict("Connection already registered")
		}
		return 0, fmt.Errorf("create session: %w", err)
	}

	r.mu.Lock()
	r.conns[connID] = userID
	r.counts[userID]++
	count := r.counts[userID]
	r.mu.Unlock()

	r.log.Debug("session registered",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
		zap.Int("active", count),
	)

	if then != nil {
		if err := then(count); err != nil {
			// the session never counted; the next register sees the same transition
			return r.rollback(ctx, userID, connID), err
		}
	}
	return count, nil
}

// rollback undoes a registration whose continuation failed. Callers hold the user lock.
func (r *Registry) rollback(ctx context.Context, userID, connID string) int {
	r.mu.Lock()
	delete(r.conns, connID)
	r.counts[userID]--
	count := r.counts[userID]
	if count <= 0 {
		delete(r.counts, userID)
		count = 0
	}
	r.mu.Unlock()

	if _, err := r.store.DeactivateSession(ctx, connID); err != nil {
		r.log.Warn("failed to deactivate session",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
	}
	r.log.Debug("session registration rolled back",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
	)
	return count
}

// Deregister marks the session inactive and calls then with the user's remaining
// active count. Unknown or already deregistered connections are a no-op: userID
// comes back empty and then is not called.
func (r *Registry) Deregister(ctx context.Context, connID string, then func(userID string, count int) error) (string, int, error) {
	r.mu.Lock()
	userID, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return "", 0, nil
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	r.mu.Lock()
	if _, still := r.conns[connID]; !still {
		r.mu.Unlock()
		return "", 0, nil
	}
	delete(r.conns, connID)
	r.counts[userID]--
	count := r.counts[userID]
	if count <= 0 {
		delete(r.counts, userID)
		count = 0
	}
	r.mu.Unlock()

	// The connection is gone whether or not the audit row updates.
	if _, err := r.store.DeactivateSession(ctx, connID); err != nil {
		r.log.Warn("failed to deactivate session",
			zap.String("conn_id", connID),
			zap.Error(err),
		)
	}

	r.log.Debug("session deregistered",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
		zap.Int("active", count),
	)

	if then != nil {
		if err := then(userID, count); err != nil {
			return userID, count, err
		}
	}
	return userID, count, nil
}

func (r *Registry) ActiveCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[userID]
}

func (r *Registry) IsOnline(userID string) bool {
	return r.ActiveCount(userID) > 0
}

// UserOf returns the user that owns connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.conns[connID]
	return userID, ok
}

type Stats struct {
	Connections int
	OnlineUsers int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Connections: len(r.conns), OnlineUsers: len(r.counts)}
}

// userLocks hands out one mutex per user, dropping it once nobody holds or waits on it.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.m[userID]
	if !ok {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
