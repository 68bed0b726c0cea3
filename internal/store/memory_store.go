package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pairline/pairline/internal/domain"
)

// MemoryStore is an in-memory Store for tests and the "memory" storage
// backend. It keeps the same per-batch staged-write semantics as the
// SQLite store, and supports failure injection on commit and on thread
// loads.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]domain.User
	groups     map[string][]domain.Connection
	messages   []domain.Message
	failNext   error
	failThread error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]domain.User),
		groups: make(map[string][]domain.Connection),
	}
}

// FailNextSave makes the next batch SaveAll return err and commit
// nothing.
func (s *MemoryStore) FailNextSave(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// FailNextThread makes the next GetMessageThread return err.
func (s *MemoryStore) FailNextThread(err error) {
	s.mu.Lock()
	s.failThread = err
	s.mu.Unlock()
}

// SeedUser registers a user directly, bypassing staging. Test helper.
func (s *MemoryStore) SeedUser(u domain.User) {
	s.mu.Lock()
	s.users[u.Username] = u
	s.mu.Unlock()
}

func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) Users(context.Context) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) GetMessageThread(_ context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failThread; err != nil {
		s.failThread = nil
		return nil, err
	}
	var out []domain.Message
	for _, m := range s.messages {
		if (m.SenderUsername == userA && m.RecipientUsername == userB) ||
			(m.SenderUsername == userB && m.RecipientUsername == userA) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) GetMessageGroup(_ context.Context, name string) (*domain.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.groups[name]
	if !ok {
		return nil, ErrNotFound
	}
	g := &domain.Group{Name: name, Connections: make([]domain.Connection, len(conns))}
	copy(g.Connections, conns)
	return g, nil
}

// Batch opens a fresh staging area over this store's state.
func (s *MemoryStore) Batch() Batch {
	return &memoryBatch{store: s}
}

func (s *MemoryStore) ResetGroupConnections(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.groups {
		s.groups[name] = nil
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryBatch accumulates writes as closures applied under the store
// lock on SaveAll. Each batch is private to its caller.
type memoryBatch struct {
	store *MemoryStore
	ops   []func()
}

func (b *memoryBatch) UpsertUser(user *domain.User) {
	s, u := b.store, *user
	b.ops = append(b.ops, func() { s.users[u.Username] = u })
}

func (b *memoryBatch) AddGroup(group *domain.Group) {
	s, name := b.store, group.Name
	b.ops = append(b.ops, func() {
		if _, ok := s.groups[name]; !ok {
			s.groups[name] = nil
		}
	})
}

func (b *memoryBatch) ReplaceGroupConnections(name string, conns []domain.Connection) {
	snapshot := make([]domain.Connection, len(conns))
	copy(snapshot, conns)
	s := b.store
	b.ops = append(b.ops, func() { s.groups[name] = snapshot })
}

func (b *memoryBatch) AddMessage(msg *domain.Message) {
	s, m := b.store, *msg
	b.ops = append(b.ops, func() { s.messages = append(s.messages, m) })
}

// SaveAll applies this batch's staged writes atomically under the
// store lock. The batch is spent afterwards, committed or not.
func (b *memoryBatch) SaveAll(context.Context) error {
	s := b.store
	ops := b.ops
	b.ops = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	for _, op := range ops {
		op()
	}
	return nil
}
