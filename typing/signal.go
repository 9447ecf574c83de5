// Package typing broadcasts ephemeral typing indicators. Nothing here is persisted.
package typing

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/leisurelyCoder/chattle/protocol"
	"go.uber.org/zap"
)

const DefaultWindow = 3 * time.Second

type Broadcaster interface {
	BroadcastToConversation(conversationID string, ev protocol.Envelope, except ...string) int
}

type key struct {
	conversationID string
	userID         string
}

type entry struct {
	key      key
	connID   string
	deadline time.Time
	index    int
}

// deadlines is a min-heap ordered by deadline.
type deadlines []*entry

func (d deadlines) Len() int           { return len(d) }
func (d deadlines) Less(i, j int) bool { return d[i].deadline.Before(d[j].deadline) }
func (d deadlines) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
	d[i].index = i
	d[j].index = j
}

func (d *deadlines) Push(x any) {
	e := x.(*entry)
	e.index = len(*d)
	*d = append(*d, e)
}

func (d *deadlines) Pop() any {
	old := *d
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*d = old[:n-1]
	return e
}

// Signal keeps one deadline per (conversation, user) and expires them from a
// single goroutine started by Run.
type Signal struct {
	router Broadcaster
	window time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	queue   deadlines
	wake    chan struct{}

	// orders broadcasts so an expiry never lands after a newer user_typing
	emitMu sync.Mutex
}

func New(router Broadcaster, window time.Duration, logger *zap.Logger) *Signal {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Signal{
		router:  router,
		window:  window,
		log:     logger.Named("typing"),
		now:     time.Now,
		entries: make(map[key]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Start tells the rest of the conversation that userID is typing and (re)arms the
// deadline for that key. A restart inside the window only moves the deadline.
func (s *Signal) Start(conversationID, userID, username, connID string) {
	k := key{conversationID: conversationID, userID: userID}
	deadline := s.now().Add(s.window)

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		e.deadline = deadline
		e.connID = connID
		heap.Fix(&s.queue, e.index)
	} else {
		e := &entry{key: k, connID: connID, deadline: deadline}
		s.entries[k] = e
		heap.Push(&s.queue, e)
	}
	s.mu.Unlock()
	s.poke()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.router.BroadcastToConversation(conversationID, protocol.MustEnvelope(protocol.EventUserTyping, protocol.UserTyping{
		UserID:         userID,
		Username:       username,
		ConversationID: conversationID,
	}), connID)
}

// Stop announces user_stopped_typing right away and drops any pending deadline.
func (s *Signal) Stop(conversationID, userID, connID string) {
	k := key{conversationID: conversationID, userID: userID}

	s.mu.Lock()
	if e, ok := s.entries[k]; ok {
		s.remove(e)
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.broadcastStopped(k, connID)
}

// CancelConn silently drops every deadline armed from connID.
func (s *Signal) CancelConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.connID == connID {
			s.remove(e)
		}
	}
}

// Pending reports how many typing indicators are live.
func (s *Signal) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run expires deadlines until ctx is done. It returns nil on cancellation.
func (s *Signal) Run(ctx context.Context) error {
	timer := time.NewTimer(s.window)
	defer timer.Stop()

	for {
		expired, wait := s.expire()
		for _, e := range expired {
			s.announceExpired(e)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.log.Debug("typing queue stopped")
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// expire pops every entry whose deadline has passed and returns how long to
// sleep until the next one.
func (s *Signal) expire() ([]*entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []*entry
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if next.deadline.After(now) {
			return expired, next.deadline.Sub(now)
		}
		s.remove(next)
		expired = append(expired, next)
	}
	return expired, s.window
}

// announceExpired broadcasts user_stopped_typing for an expired entry unless a
// Start has re-armed the key since it was popped.
func (s *Signal) announceExpired(e *entry) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	_, rearmed := s.entries[e.key]
	s.mu.Unlock()
	if rearmed {
		return
	}
	s.broadcastStopped(e.key, e.connID)
}

// caller holds s.mu
func (s *Signal) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.entries, e.key)
}

func (s *Signal) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Signal) broadcastStopped(k key, connID string) {
	s.router.BroadcastToConversation(k.conversationID, protocol.MustEnvelope(protocol.EventUserStoppedTyping, protocol.UserStoppedTyping{
		UserID:         k.userID,
		ConversationID: k.conversationID,
	}), connID)
}
