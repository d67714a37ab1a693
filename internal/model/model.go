// Package model provides the data structures shared by the notesync data layer.
//
// Entities are flat records with last-write-wins semantics: every committed
// local mutation bumps version by exactly one and stamps updated_at with the
// commit time, and updated_at is the authoritative field for conflict
// comparison between devices.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies an entity collection, locally and remotely.
type Table string

const (
	// TableNotes is the notes collection.
	TableNotes Table = "notes"
	// TableGroups is the note groups collection.
	TableGroups Table = "groups"
)

// Operation is the kind of mutation carried by a queue item or change event.
type Operation string

const (
	// OpInsert creates a new row.
	OpInsert Operation = "INSERT"
	// OpUpdate overwrites an existing row.
	OpUpdate Operation = "UPDATE"
	// OpDelete tombstones a row (soft delete).
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Note is a user-owned note.
//
// DeletedAt is set when the note is tombstoned and drives retention: the
// cleanup sweeper hard-deletes tombstones older than the retention window.
type Note struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	GroupID   string     `json:"group_id,omitempty"`
	Title     string     `json:"title"`
	Content   string     `json:"content,omitempty"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ModifiedAt returns the timestamp used for last-write-wins comparison.
func (n *Note) ModifiedAt() time.Time { return n.UpdatedAt }

// Validate checks the note has the fields every committed mutation must carry.
func (n *Note) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	if n.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if n.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", n.Version)
	}
	if n.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Group is a user-owned note group.
type Group struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	SortOrder int       `json:"sort_order"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// ModifiedAt returns the timestamp used for last-write-wins comparison.
func (g *Group) ModifiedAt() time.Time { return g.UpdatedAt }

// Validate checks the group has the fields every committed mutation must carry.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("id is required")
	}
	if g.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if g.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", g.Version)
	}
	if g.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// QueueItem is one pending push of one entity mutation.
//
// Payload is a serialized snapshot of the entity at enqueue time, not a diff.
// Items are removed on successful push; failures increment RetryCount and
// record LastError. Items that reach the retry limit are excluded from
// further push attempts and left for the cleanup sweeper.
type QueueItem struct {
	ID         string    `json:"id"`
	Table      Table     `json:"table"`
	RecordID   string    `json:"record_id"`
	Operation  Operation `json:"operation"`
	Payload    []byte    `json:"payload"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// ChangeEvent is one row change delivered by the remote change-event stream.
//
// New carries the row after the change for INSERT/UPDATE; Old carries the row
// before the change and is the only populated side for DELETE on backends
// that do not echo the tombstoned row.
type ChangeEvent struct {
	Type  Operation       `json:"event_type"`
	Table Table           `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Row returns the payload side that describes the affected row.
func (e *ChangeEvent) Row() json.RawMessage {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}
