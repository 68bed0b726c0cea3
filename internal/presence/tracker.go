// Package presence tracks which users currently have live connections.
//
// State is process-wide and resets on restart. The tracker is sharded by
// username so connect/disconnect storms on different users never contend
// on one lock.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/pairline/pairline/internal/logging"
)

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{} // username -> set of connection ids
}

// Tracker maintains the username → live-connection-set mapping and
// reports online/offline transitions exactly once per true transition.
type Tracker struct {
	shards [shardCount]*shard
	log    *logging.Logger
}

// NewTracker builds an empty tracker.
func NewTracker(log *logging.Logger) *Tracker {
	t := &Tracker{log: log.Component("presence")}
	for i := range t.shards {
		t.shards[i] = &shard{conns: make(map[string]map[string]struct{})}
	}
	return t
}

func (t *Tracker) shardFor(username string) *shard {
	h := fnv.New32a()
	h.Write([]byte(username))
	return t.shards[h.Sum32()%shardCount]
}

// UserConnected records a live connection for the user. The returned
// flag is true only when this was the user's first connection, i.e. the
// user just came online. Re-adding a known connection id is a no-op.
func (t *Tracker) UserConnected(username, connID string) (cameOnline bool) {
	s := t.shardFor(username)
	s.mu.Lock()
	set, ok := s.conns[username]
	if !ok {
		set = make(map[string]struct{})
		s.conns[username] = set
		cameOnline = true
	}
	set[connID] = struct{}{}
	s.mu.Unlock()

	t.log.Debug().Str("user", username).Str("conn", connID).Bool("cameOnline", cameOnline).Msg("user connected")
	return cameOnline
}

// UserDisconnected removes a connection. The returned flag is true only
// when the user's last connection went away. Empty sets are deleted so
// the map never accumulates offline entries.
func (t *Tracker) UserDisconnected(username, connID string) (wentOffline bool) {
	s := t.shardFor(username)
	s.mu.Lock()
	if set, ok := s.conns[username]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.conns, username)
			wentOffline = true
		}
	}
	s.mu.Unlock()

	t.log.Debug().Str("user", username).Str("conn", connID).Bool("wentOffline", wentOffline).Msg("user disconnected")
	return wentOffline
}

// ConnectionsForUser returns a snapshot of the user's live connection
// ids, or nil if the user is offline. The snapshot is safe to use after
// concurrent mutations; it never shows a partial add or remove.
func (t *Tracker) ConnectionsForUser(username string) []string {
	s := t.shardFor(username)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.conns[username]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(username string) bool {
	s := t.shardFor(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[username]
	return ok
}

// OnlineUsers returns the sorted usernames with at least one live
// connection. The view is per-shard consistent, not a global snapshot.
func (t *Tracker) OnlineUsers() []string {
	var out []string
	for _, s := range t.shards {
		s.mu.RLock()
		for name := range s.conns {
			out = append(out, name)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
