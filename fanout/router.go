// Package fanout maps audiences (a user, a conversation, everyone) to live connections.
// It knows membership only; what is sent and who may receive it is decided by callers.
package fanout

import (
	"errors"
	"slices"
	"sync"

	"github.com/leisurelyCoder/chattle/protocol"
	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("router is closed")
	ErrDuplicate   = errors.New("connection already attached")
	ErrUnknownConn = errors.New("unknown connection")
)

type GroupKind uint8

const (
	GroupUser GroupKind = iota + 1
	GroupConversation
)

// Group is an addressable audience.
type Group struct {
	Kind GroupKind
	ID   string
}

func UserGroup(userID string) Group {
	return Group{Kind: GroupUser, ID: userID}
}

func ConversationGroup(conversationID string) Group {
	return Group{Kind: GroupConversation, ID: conversationID}
}

func (g Group) String() string {
	switch g.Kind {
	case GroupUser:
		return "user:" + g.ID
	case GroupConversation:
		return "conversation:" + g.ID
	}
	return "unknown:" + g.ID
}

// Sink is one live connection. Send must not block; it reports false when the frame was dropped.
type Sink interface {
	ID() string
	Send(ev protocol.Envelope) bool
	Close()
}

type membership struct {
	sink   Sink
	userID string
	groups map[Group]struct{}
}

type Stats struct {
	Connections int
	Groups      int
}

type Router struct {
	mu      sync.RWMutex
	open    bool
	members map[string]*membership    // conn -> its groups
	groups  map[Group]map[string]Sink // group -> conns
	log     *zap.Logger
}

func New(logger *zap.Logger) *Router {
	return &Router{
		members: make(map[string]*membership),
		groups:  make(map[Group]map[string]Sink),
		log:     logger.Named("fanout"),
	}
}

// Open must be called before the first Attach.
func (r *Router) Open() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
}

// Close drops every group and closes every attached connection.
func (r *Router) Close() {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(r.members))
	for _, m := range r.members {
		sinks = append(sinks, m.sink)
	}
	r.open = false
	r.members = make(map[string]*membership)
	r.groups = make(map[Group]map[string]Sink)
	r.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
	r.log.Info("router closed", zap.Int("connections", len(sinks)))
}

// Attach registers a connection and joins it to its user's personal group.
func (r *Router) Attach(sink Sink, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		return ErrClosed
	}
	if _, ok := r.members[sink.ID()]; ok {
		return ErrDuplicate
	}

	r.members[sink.ID()] = &membership{
		sink:   sink,
		userID: userID,
		groups: make(map[Group]struct{}),
	}
	r.join(sink.ID(), UserGroup(userID))
	return nil
}

// Detach removes a connection from every group. Unknown ids are ignored.
func (r *Router) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return
	}
	for g := range m.groups {
		r.dropFromGroup(connID, g)
	}
	delete(r.members, connID)
}

func (r *Router) Join(connID string, g Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[connID]; !ok {
		return ErrUnknownConn
	}
	r.join(connID, g)
	return nil
}

// Leave removes the connection from g. The personal user group cannot be left.
func (r *Router) Leave(connID string, g Group) {
	if g.Kind == GroupUser {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return
	}
	delete(m.groups, g)
	r.dropFromGroup(connID, g)
}

func (r *Router) IsMember(connID string, g Group) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	if !ok {
		return false
	}
	_, ok = m.groups[g]
	return ok
}

// caller holds r.mu
func (r *Router) join(connID string, g Group) {
	m := r.members[connID]
	m.groups[g] = struct{}{}

	conns, ok := r.groups[g]
	if !ok {
		conns = make(map[string]Sink)
		r.groups[g] = conns
	}
	conns[connID] = m.sink
}

// caller holds r.mu
func (r *Router) dropFromGroup(connID string, g Group) {
	conns, ok := r.groups[g]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.groups, g)
	}
}

// BroadcastToConversation delivers ev to the conversation group, skipping the listed connections.
func (r *Router) BroadcastToConversation(conversationID string, ev protocol.Envelope, except ...string) int {
	return r.deliver(r.targets(ConversationGroup(conversationID), except), ev)
}

func (r *Router) BroadcastToUser(userID string, ev protocol.Envelope) int {
	return r.deliver(r.targets(UserGroup(userID), nil), ev)
}

func (r *Router) BroadcastGlobal(ev protocol.Envelope) int {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.members))
	for _, m := range r.members {
		sinks = append(sinks, m.sink)
	}
	r.mu.RUnlock()

	return r.deliver(sinks, ev)
}

// SendTo delivers ev to a single connection.
func (r *Router) SendTo(connID string, ev protocol.Envelope) bool {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return r.deliver([]Sink{m.sink}, ev) == 1
}

func (r *Router) targets(g Group, except []string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.groups[g]
	sinks := make([]Sink, 0, len(conns))
	for id, s := range conns {
		if slices.Contains(except, id) {
			continue
		}
		sinks = append(sinks, s)
	}
	return sinks
}

func (r *Router) deliver(sinks []Sink, ev protocol.Envelope) int {
	delivered := 0
	for _, s := range sinks {
		if s.Send(ev) {
			delivered++
			continue
		}
		r.log.Warn("frame dropped",
			zap.String("conn_id", s.ID()),
			zap.String("event", ev.Event),
		)
	}
	return delivered
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.members), Groups: len(r.groups)}
}
