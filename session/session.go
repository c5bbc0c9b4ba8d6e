// Package session persists conversations across runs: the user's
// queries, the answers produced for them, and the last exported graph,
// one JSON document per session.
package session

import (
	"errors"
	"time"

	"github.com/skeinworks/skein/plan"
)

// ErrNotFound is returned when a session id has no stored document.
var ErrNotFound = errors.New("session not found")

// Message is one conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the stored unit. Title defaults to the first user query.
type Session struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Messages    []Message           `json:"messages"`
	GraphData   *plan.ExportedGraph `json:"graph_data,omitempty"`
	LastUpdated time.Time           `json:"last_updated"`
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Save writes the session, stamping LastUpdated.
	Save(sess *Session) error
	// Get loads a session by id; ErrNotFound when absent.
	Get(id string) (*Session, error)
	// List returns all sessions, most recently updated first.
	List() ([]*Session, error)
	// Delete removes a session; deleting an absent id is not an error.
	Delete(id string) error
}
