package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:", logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// backends returns each Store implementation under a fresh state.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"sqlite": NewSQLiteStore(testDB(t)),
		"memory": NewMemoryStore(),
	}
}

func saveUser(t *testing.T, s Store, username, display string) {
	t.Helper()
	b := s.Batch()
	b.UpsertUser(&domain.User{Username: username, DisplayName: display})
	require.NoError(t, b.SaveAll(context.Background()))
}

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.migrate())

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestFindUserByUsername(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.FindUserByUsername(ctx, "alice")
			assert.ErrorIs(t, err, ErrNotFound)

			saveUser(t, s, "alice", "Alice A.")
			u, err := s.FindUserByUsername(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "Alice A.", u.DisplayName)
		})
	}
}

func TestUsers_Sorted(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			saveUser(t, s, "carol", "Carol")
			saveUser(t, s, "alice", "Alice")

			users, err := s.Users(context.Background())
			require.NoError(t, err)
			require.Len(t, users, 2)
			assert.Equal(t, "alice", users[0].Username)
			assert.Equal(t, "carol", users[1].Username)
		})
	}
}

func TestMessageThread_OrderAndLimit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			saveUser(t, s, "alice", "Alice")
			saveUser(t, s, "bob", "Bob")

			b := s.Batch()
			base := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < 5; i++ {
				sender, recipient := "alice", "bob"
				if i%2 == 1 {
					sender, recipient = "bob", "alice"
				}
				m := &domain.Message{
					ID:                "m" + string(rune('0'+i)),
					SenderUsername:    sender,
					RecipientUsername: recipient,
					Content:           "msg",
					SentAt:            base.Add(time.Duration(i) * time.Second),
				}
				b.AddMessage(m)
			}
			// Unrelated message must not leak into the thread.
			saveUser(t, s, "carol", "Carol")
			b.AddMessage(&domain.Message{
				ID: "other", SenderUsername: "carol", RecipientUsername: "alice",
				Content: "hi", SentAt: base,
			})
			require.NoError(t, b.SaveAll(ctx))

			// Order is symmetric in the two usernames.
			thread, err := s.GetMessageThread(ctx, "bob", "alice", 0)
			require.NoError(t, err)
			require.Len(t, thread, 5)
			for i := 1; i < len(thread); i++ {
				assert.True(t, !thread[i].SentAt.Before(thread[i-1].SentAt))
			}

			// Limit keeps the most recent tail, still in sent order.
			tail, err := s.GetMessageThread(ctx, "alice", "bob", 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, "m3", tail[0].ID)
			assert.Equal(t, "m4", tail[1].ID)
		})
	}
}

func TestMessageThread_RoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			saveUser(t, s, "alice", "Alice")
			saveUser(t, s, "bob", "Bob")

			readAt := time.Now().UTC().Truncate(time.Millisecond)
			m := &domain.Message{
				ID:                   "m1",
				SenderUsername:       "alice",
				SenderDisplayName:    "Alice",
				RecipientUsername:    "bob",
				RecipientDisplayName: "Bob",
				Content:              "hi",
				SentAt:               readAt,
				ReadAt:               &readAt,
			}
			b := s.Batch()
			b.AddMessage(m)
			require.NoError(t, b.SaveAll(ctx))

			thread, err := s.GetMessageThread(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			require.Len(t, thread, 1)
			require.NotNil(t, thread[0].ReadAt)
			assert.True(t, thread[0].ReadAt.Equal(readAt))

			// Replayed messages carry the same display names as live
			// broadcasts.
			assert.Equal(t, "Alice", thread[0].SenderDisplayName)
			assert.Equal(t, "Bob", thread[0].RecipientDisplayName)
		})
	}
}

func TestGroups_StageAndCommit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetMessageGroup(ctx, "alice-bob")
			assert.ErrorIs(t, err, ErrNotFound)

			b := s.Batch()
			b.AddGroup(&domain.Group{Name: "alice-bob"})

			// Nothing durable before SaveAll.
			_, err = s.GetMessageGroup(ctx, "alice-bob")
			assert.ErrorIs(t, err, ErrNotFound)

			b.ReplaceGroupConnections("alice-bob", []domain.Connection{
				{ID: "c1", Username: "alice"},
			})
			require.NoError(t, b.SaveAll(ctx))

			got, err := s.GetMessageGroup(ctx, "alice-bob")
			require.NoError(t, err)
			require.Len(t, got.Connections, 1)
			assert.Equal(t, "c1", got.Connections[0].ID)

			// Replace to empty: group persists with no members.
			b = s.Batch()
			b.ReplaceGroupConnections("alice-bob", nil)
			require.NoError(t, b.SaveAll(ctx))
			got, err = s.GetMessageGroup(ctx, "alice-bob")
			require.NoError(t, err)
			assert.Empty(t, got.Connections)
		})
	}
}

func TestMemoryStore_FailNextSaveDiscardsBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("disk full")

	b := s.Batch()
	b.AddGroup(&domain.Group{Name: "alice-bob"})
	s.FailNextSave(boom)
	assert.ErrorIs(t, b.SaveAll(ctx), boom)

	// The failed batch is spent: retrying it commits nothing.
	require.NoError(t, b.SaveAll(ctx))
	_, err := s.GetMessageGroup(ctx, "alice-bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FailedBatchDoesNotDiscardOtherBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	saveUser(t, s, "alice", "Alice")
	saveUser(t, s, "bob", "Bob")

	// Caller A stages a message; caller B's save fails in between.
	// A's staged write must survive B's failure and commit.
	a := s.Batch()
	a.AddMessage(&domain.Message{
		ID: "m1", SenderUsername: "alice", RecipientUsername: "bob",
		Content: "hi", SentAt: time.Now(),
	})

	b := s.Batch()
	b.UpsertUser(&domain.User{Username: "carol", DisplayName: "Carol"})
	s.FailNextSave(errors.New("disk full"))
	require.Error(t, b.SaveAll(ctx))

	require.NoError(t, a.SaveAll(ctx))
	thread, err := s.GetMessageThread(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, thread, 1, "a message reported saved must be durable")
	assert.Equal(t, "hi", thread[0].Content)

	// B's failed write stayed out.
	_, err = s.FindUserByUsername(ctx, "carol")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_FailedBatchDoesNotDiscardOtherBatch(t *testing.T) {
	s := NewSQLiteStore(testDB(t))
	ctx := context.Background()
	saveUser(t, s, "alice", "Alice")
	saveUser(t, s, "bob", "Bob")

	a := s.Batch()
	a.AddMessage(&domain.Message{
		ID: "m1", SenderUsername: "alice", RecipientUsername: "bob",
		Content: "hi", SentAt: time.Now(),
	})

	// B's batch violates the foreign key on messages.sender and fails.
	b := s.Batch()
	b.AddMessage(&domain.Message{
		ID: "m2", SenderUsername: "ghost", RecipientUsername: "alice",
		Content: "boo", SentAt: time.Now(),
	})
	require.Error(t, b.SaveAll(ctx))

	require.NoError(t, a.SaveAll(ctx))
	thread, err := s.GetMessageThread(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	require.Len(t, thread, 1, "a message reported saved must be durable")
}

func TestSQLiteStore_SaveAllRollsBackOnError(t *testing.T) {
	s := NewSQLiteStore(testDB(t))
	ctx := context.Background()
	saveUser(t, s, "alice", "Alice")

	b := s.Batch()
	b.AddGroup(&domain.Group{Name: "alice-bob"})
	// Violates the foreign key on messages.sender, failing the tx.
	b.AddMessage(&domain.Message{
		ID: "m1", SenderUsername: "ghost", RecipientUsername: "alice",
		Content: "hi", SentAt: time.Now(),
	})
	require.Error(t, b.SaveAll(ctx))

	// The group insert in the same batch must have rolled back too.
	_, err := s.GetMessageGroup(ctx, "alice-bob")
	assert.ErrorIs(t, err, ErrNotFound)
}
