package domain

import "github.com/samber/lo"

// Connection binds a live transport connection to the user it
// authenticated as. It exists only for the life of the session.
type Connection struct {
	ID       string `json:"connectionId"`
	Username string `json:"username"`
}

// Group is the set of live connections currently viewing one
// conversation. Name is the canonical pairing key of the two usernames.
// An empty Connections slice is a meaningful state, not an error: it
// means nobody has the conversation open right now.
type Group struct {
	Name        string       `json:"name"`
	Connections []Connection `json:"connections"`
}

// Add appends a connection, idempotent by connection id.
// Reports whether the membership actually changed.
func (g *Group) Add(c Connection) bool {
	for _, existing := range g.Connections {
		if existing.ID == c.ID {
			return false
		}
	}
	g.Connections = append(g.Connections, c)
	return true
}

// Remove drops the connection with the given id, reporting whether it
// was present.
func (g *Group) Remove(connID string) bool {
	for i, c := range g.Connections {
		if c.ID == connID {
			g.Connections = append(g.Connections[:i], g.Connections[i+1:]...)
			return true
		}
	}
	return false
}

// HasUser reports whether any member connection belongs to the given
// (normalized) username.
func (g *Group) HasUser(username string) bool {
	return lo.SomeBy(g.Connections, func(c Connection) bool { return c.Username == username })
}
