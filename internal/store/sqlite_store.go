package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pairline/pairline/internal/domain"
)

// timeFormat is how timestamps are stored in TEXT columns.
const timeFormat = time.RFC3339Nano

// SQLiteStore implements Store backed by SQLite. Reads hit committed
// state directly; writes are staged per batch and run in one
// transaction on SaveAll.
type SQLiteStore struct {
	db *DB
}

// NewSQLiteStore creates a chat store using the given database.
func NewSQLiteStore(db *DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// FindUserByUsername resolves a normalized username, or ErrNotFound.
func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT username, display_name FROM users WHERE username = ?`, username,
	).Scan(&u.Username, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding user %q: %w", username, err)
	}
	return &u, nil
}

// Users lists all registered users ordered by username.
func (s *SQLiteStore) Users(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT username, display_name FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.Username, &u.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetMessageThread returns the conversation between two users in sent
// order. limit > 0 keeps only the most recent messages. Display names
// come from the users table so replayed messages carry the same
// payload as live broadcasts.
func (s *SQLiteStore) GetMessageThread(ctx context.Context, userA, userB string, limit int) ([]domain.Message, error) {
	q := `SELECT m.id, m.sender, su.display_name, m.recipient, ru.display_name,
	             m.content, m.sent_at, m.read_at
	      FROM messages m
	      LEFT JOIN users su ON su.username = m.sender
	      LEFT JOIN users ru ON ru.username = m.recipient
	      WHERE (m.sender = ? AND m.recipient = ?) OR (m.sender = ? AND m.recipient = ?)
	      ORDER BY m.sent_at DESC`
	args := []any{userA, userB, userB, userA}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s/%s: %w", userA, userB, err)
	}
	defer rows.Close()

	var newestFirst []domain.Message
	for rows.Next() {
		var m domain.Message
		var senderName, recipientName sql.NullString
		var sentAt string
		var readAt sql.NullString
		if err := rows.Scan(&m.ID, &m.SenderUsername, &senderName,
			&m.RecipientUsername, &recipientName, &m.Content, &sentAt, &readAt); err != nil {
			return nil, err
		}
		m.SenderDisplayName = senderName.String
		m.RecipientDisplayName = recipientName.String
		if m.SentAt, err = time.Parse(timeFormat, sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at of %s: %w", m.ID, err)
		}
		if readAt.Valid {
			t, err := time.Parse(timeFormat, readAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing read_at of %s: %w", m.ID, err)
			}
			m.ReadAt = &t
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returns newest-first so LIMIT keeps the recent tail;
	// callers expect sent order.
	out := make([]domain.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

// GetMessageGroup loads the durable group record, or ErrNotFound.
func (s *SQLiteStore) GetMessageGroup(ctx context.Context, name string) (*domain.Group, error) {
	var found string
	err := s.db.sql.QueryRowContext(ctx, `SELECT name FROM groups WHERE name = ?`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding group %q: %w", name, err)
	}

	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT connection_id, username FROM group_connections WHERE group_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("loading group %q connections: %w", name, err)
	}
	defer rows.Close()

	g := &domain.Group{Name: name}
	for rows.Next() {
		var c domain.Connection
		if err := rows.Scan(&c.ID, &c.Username); err != nil {
			return nil, err
		}
		g.Connections = append(g.Connections, c)
	}
	return g, rows.Err()
}

// Batch opens a fresh staging area bound to this store's database.
func (s *SQLiteStore) Batch() Batch {
	return &sqliteBatch{db: s.db}
}

// ResetGroupConnections drops all persisted group membership rows.
func (s *SQLiteStore) ResetGroupConnections(ctx context.Context) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM group_connections`)
	if err != nil {
		return fmt.Errorf("resetting group connections: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteBatch accumulates writes as closures and runs them in one
// transaction on SaveAll. Each batch is private to its caller.
type sqliteBatch struct {
	db  *DB
	ops []func(tx *sql.Tx) error
}

func (b *sqliteBatch) stage(op func(tx *sql.Tx) error) {
	b.ops = append(b.ops, op)
}

func (b *sqliteBatch) UpsertUser(user *domain.User) {
	u := *user
	b.stage(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO users (username, display_name) VALUES (?, ?)
			 ON CONFLICT(username) DO UPDATE SET display_name = excluded.display_name`,
			u.Username, u.DisplayName,
		)
		return err
	})
}

func (b *sqliteBatch) AddGroup(group *domain.Group) {
	name := group.Name
	b.stage(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO groups (name) VALUES (?)`, name)
		return err
	})
}

func (b *sqliteBatch) ReplaceGroupConnections(name string, conns []domain.Connection) {
	snapshot := make([]domain.Connection, len(conns))
	copy(snapshot, conns)
	b.stage(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM group_connections WHERE group_name = ?`, name); err != nil {
			return err
		}
		for _, c := range snapshot {
			if _, err := tx.Exec(
				`INSERT INTO group_connections (connection_id, group_name, username) VALUES (?, ?, ?)`,
				c.ID, name, c.Username,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *sqliteBatch) AddMessage(msg *domain.Message) {
	m := *msg
	b.stage(func(tx *sql.Tx) error {
		var readAt sql.NullString
		if m.ReadAt != nil {
			readAt = sql.NullString{String: m.ReadAt.Format(timeFormat), Valid: true}
		}
		_, err := tx.Exec(
			`INSERT INTO messages (id, sender, recipient, content, sent_at, read_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.SenderUsername, m.RecipientUsername, m.Content,
			m.SentAt.Format(timeFormat), readAt,
		)
		return err
	})
}

// SaveAll commits this batch's staged writes in one transaction. The
// batch is spent afterwards, committed or not.
func (b *sqliteBatch) SaveAll(ctx context.Context) error {
	ops := b.ops
	b.ops = nil

	if len(ops) == 0 {
		return nil
	}

	tx, err := b.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	for _, op := range ops {
		if err := op(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("save: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}
