package store

// migration is a single schema change applied in order.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "users",
		SQL: `
			CREATE TABLE users (
				username     TEXT PRIMARY KEY,
				display_name TEXT NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "messages",
		SQL: `
			CREATE TABLE messages (
				id        TEXT PRIMARY KEY,
				sender    TEXT NOT NULL REFERENCES users(username),
				recipient TEXT NOT NULL REFERENCES users(username),
				content   TEXT NOT NULL,
				sent_at   TEXT NOT NULL,
				read_at   TEXT
			);
			CREATE INDEX idx_messages_pair ON messages(sender, recipient, sent_at);
		`,
	},
	{
		Version: 3,
		Name:    "groups",
		SQL: `
			CREATE TABLE groups (
				name TEXT PRIMARY KEY
			);
			CREATE TABLE group_connections (
				connection_id TEXT PRIMARY KEY,
				group_name    TEXT NOT NULL REFERENCES groups(name) ON DELETE CASCADE,
				username      TEXT NOT NULL
			);
			CREATE INDEX idx_group_connections_group ON group_connections(group_name);
		`,
	},
}
