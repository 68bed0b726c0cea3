package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
	"github.com/pairline/pairline/internal/store"
)

func TestCanonicalGroupName(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"alice", "bob", "alice-bob"},
		{"bob", "alice", "alice-bob"},
		{"zed", "amy", "amy-zed"},
		// Ordinal compare: upper-case letters sort before lower-case.
		{"alice", "Bob", "Bob-alice"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalGroupName(tt.a, tt.b))
		assert.Equal(t, CanonicalGroupName(tt.a, tt.b), CanonicalGroupName(tt.b, tt.a),
			"name must be order-independent for %s/%s", tt.a, tt.b)
	}
}

func newRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewRegistry(st, logging.Nop()), st
}

func TestRegistry_AddCreatesAndPersists(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	g, err := reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c1", Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, g.Connections, 1)

	// Store confirmed the join: the group record is durable.
	persisted, err := st.GetMessageGroup(ctx, "alice-bob")
	require.NoError(t, err)
	require.Len(t, persisted.Connections, 1)
	assert.Equal(t, "c1", persisted.Connections[0].ID)
}

func TestRegistry_AddIdempotent(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	conn := domain.Connection{ID: "c1", Username: "alice"}

	_, err := reg.AddConnection(ctx, "alice-bob", conn)
	require.NoError(t, err)
	g, err := reg.AddConnection(ctx, "alice-bob", conn)
	require.NoError(t, err)
	assert.Len(t, g.Connections, 1, "double add must not duplicate membership")
}

func TestRegistry_AtMostOneGroupPerConnection(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	conn := domain.Connection{ID: "c1", Username: "alice"}

	_, err := reg.AddConnection(ctx, "alice-bob", conn)
	require.NoError(t, err)
	_, err = reg.AddConnection(ctx, "alice-carol", conn)
	require.NoError(t, err)

	g, ok := reg.GetGroupForConnection("c1")
	require.True(t, ok)
	assert.Equal(t, "alice-carol", g.Name)

	old, found, err := reg.GetGroup(ctx, "alice-bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, old.Connections, "connection must have left the first group")
}

func TestRegistry_JoinFailsWhenStoreFails(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	st.FailNextSave(errors.New("io error"))
	_, err := reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c1", Username: "alice"})
	require.ErrorIs(t, err, ErrGroupJoinFailed)

	// Not joined anywhere.
	_, ok := reg.GetGroupForConnection("c1")
	assert.False(t, ok)
	g, found, err := reg.GetGroup(ctx, "alice-bob")
	require.NoError(t, err)
	if found {
		assert.Empty(t, g.Connections)
	}
}

func TestRegistry_RemoveToEmptyGroup(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	_, err := reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c1", Username: "alice"})
	require.NoError(t, err)

	g, err := reg.RemoveConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice-bob", g.Name)
	assert.Empty(t, g.Connections, "empty group is a valid terminal state")

	persisted, err := st.GetMessageGroup(ctx, "alice-bob")
	require.NoError(t, err)
	assert.Empty(t, persisted.Connections)
}

func TestRegistry_RemoveUntracked(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.RemoveConnection(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrConnectionNotTracked)
}

func TestRegistry_RemoveFailsWhenStoreFails(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	_, err := reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c1", Username: "alice"})
	require.NoError(t, err)

	st.FailNextSave(errors.New("io error"))
	_, err = reg.RemoveConnection(ctx, "c1")
	require.ErrorIs(t, err, ErrGroupLeaveFailed)

	// Membership unchanged after the failed leave.
	g, ok := reg.GetGroupForConnection("c1")
	require.True(t, ok)
	assert.Len(t, g.Connections, 1)
}

func TestRegistry_GetGroupFallsBackToStore(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()

	b := st.Batch()
	b.AddGroup(&domain.Group{Name: "alice-bob"})
	b.ReplaceGroupConnections("alice-bob", []domain.Connection{{ID: "c9", Username: "bob"}})
	require.NoError(t, b.SaveAll(ctx))

	g, found, err := reg.GetGroup(ctx, "alice-bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, g.HasUser("bob"))

	_, found, err = reg.GetGroup(ctx, "nobody-here")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	g1, err := reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c1", Username: "alice"})
	require.NoError(t, err)
	_, err = reg.AddConnection(ctx, "alice-bob", domain.Connection{ID: "c2", Username: "bob"})
	require.NoError(t, err)

	assert.Len(t, g1.Connections, 1, "earlier snapshot must not see later joins")
}
