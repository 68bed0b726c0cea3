// Package chat implements the conversation core: the group registry
// tracking which connections view which conversation, and the hub that
// orchestrates connect, disconnect and message delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
	"github.com/pairline/pairline/internal/store"
)

// CanonicalGroupName derives the conversation name for a pair of
// usernames. The comparison is ordinal (byte-wise) and the smaller name
// goes first, so both participants converge on the same group no matter
// who initiated. Pure function, no shared state.
func CanonicalGroupName(userA, userB string) string {
	if userA < userB {
		return userA + "-" + userB
	}
	return userB + "-" + userA
}

// groupEntry owns one group's membership. Its mutex is held across the
// membership mutation and the store save, serializing joins and leaves
// per group while leaving other groups free.
type groupEntry struct {
	mu        sync.Mutex
	group     domain.Group
	persisted bool // group record exists durably
}

// Registry tracks, per conversation, which connections currently view
// it. In-memory state mirrors the store's group records; a membership
// change only commits in memory after the store confirmed it.
//
// Invariant: a connection id is a member of at most one group.
type Registry struct {
	store store.Store
	log   *logging.Logger

	mu     sync.RWMutex
	groups map[string]*groupEntry
	byConn map[string]string // connection id -> group name
}

// NewRegistry builds an empty registry over the given store.
func NewRegistry(st store.Store, log *logging.Logger) *Registry {
	return &Registry{
		store:  st,
		log:    log.Component("groups"),
		groups: make(map[string]*groupEntry),
		byConn: make(map[string]string),
	}
}

func (r *Registry) entryFor(name string) *groupEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.groups[name]
	if !ok {
		e = &groupEntry{group: domain.Group{Name: name}}
		r.groups[name] = e
	}
	return e
}

// GetGroup returns the current membership of a group. Falls back to
// the store for groups this process has not touched yet. The second
// return is false when the group exists nowhere.
func (r *Registry) GetGroup(ctx context.Context, name string) (domain.Group, bool, error) {
	r.mu.RLock()
	e, ok := r.groups[name]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return copyGroup(e.group), true, nil
	}

	g, err := r.store.GetMessageGroup(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Group{}, false, nil
	}
	if err != nil {
		return domain.Group{}, false, err
	}
	return *g, true, nil
}

// AddConnection joins a connection to the named group, creating the
// group if absent. The join is durable before it is visible: if the
// store rejects the save, the connection is not joined. Adding the same
// connection twice is a no-op; adding it while it is a member of a
// different group moves it (the stale membership is removed first).
func (r *Registry) AddConnection(ctx context.Context, name string, conn domain.Connection) (domain.Group, error) {
	r.mu.RLock()
	prev, tracked := r.byConn[conn.ID]
	r.mu.RUnlock()
	if tracked && prev != name {
		r.log.Warn().Str("conn", conn.ID).Str("from", prev).Str("to", name).
			Msg("connection joining a second group, leaving the first")
		if _, err := r.RemoveConnection(ctx, conn.ID); err != nil {
			return domain.Group{}, fmt.Errorf("leaving previous group %s: %w", prev, err)
		}
	}

	e := r.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	updated := copyGroup(e.group)
	changed := updated.Add(conn)
	if !changed && e.persisted {
		return updated, nil
	}

	batch := r.store.Batch()
	if !e.persisted {
		batch.AddGroup(&updated)
	}
	batch.ReplaceGroupConnections(name, updated.Connections)
	if err := batch.SaveAll(ctx); err != nil {
		return domain.Group{}, fmt.Errorf("%w: %w", ErrGroupJoinFailed, err)
	}

	e.group = updated
	e.persisted = true
	r.mu.Lock()
	r.byConn[conn.ID] = name
	r.mu.Unlock()

	r.log.Debug().Str("group", name).Str("conn", conn.ID).Str("user", conn.Username).
		Int("members", len(updated.Connections)).Msg("connection joined group")
	return copyGroup(updated), nil
}

// GetGroupForConnection is the reverse lookup used on disconnect, which
// carries only the connection id.
func (r *Registry) GetGroupForConnection(connID string) (domain.Group, bool) {
	r.mu.RLock()
	name, ok := r.byConn[connID]
	var e *groupEntry
	if ok {
		e = r.groups[name]
	}
	r.mu.RUnlock()
	if !ok || e == nil {
		return domain.Group{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyGroup(e.group), true
}

// RemoveConnection removes the connection from whatever group holds it
// and persists the change. A group left with zero members is a valid
// terminal state and is returned as such. Returns
// ErrConnectionNotTracked when no group holds the connection.
func (r *Registry) RemoveConnection(ctx context.Context, connID string) (domain.Group, error) {
	r.mu.RLock()
	name, ok := r.byConn[connID]
	var e *groupEntry
	if ok {
		e = r.groups[name]
	}
	r.mu.RUnlock()
	if !ok || e == nil {
		return domain.Group{}, ErrConnectionNotTracked
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	updated := copyGroup(e.group)
	if !updated.Remove(connID) {
		return domain.Group{}, ErrConnectionNotTracked
	}

	batch := r.store.Batch()
	batch.ReplaceGroupConnections(name, updated.Connections)
	if err := batch.SaveAll(ctx); err != nil {
		return domain.Group{}, fmt.Errorf("%w: %w", ErrGroupLeaveFailed, err)
	}

	e.group = updated
	r.mu.Lock()
	delete(r.byConn, connID)
	r.mu.Unlock()

	r.log.Debug().Str("group", name).Str("conn", connID).
		Int("members", len(updated.Connections)).Msg("connection left group")
	return copyGroup(updated), nil
}

func copyGroup(g domain.Group) domain.Group {
	out := domain.Group{Name: g.Name}
	if len(g.Connections) > 0 {
		out.Connections = make([]domain.Connection, len(g.Connections))
		copy(out.Connections, g.Connections)
	}
	return out
}
