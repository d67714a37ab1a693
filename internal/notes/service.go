// Package notes provides the local mutation path of the data layer: every
// create, update and delete commits to the local store as the new local
// truth (no conflict resolution needed) and snapshots the entity into the
// mutation queue for the next push.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/store"
)

// Service commits local mutations and enqueues them for push.
//
// Invariants maintained here: version increases by exactly 1 per committed
// mutation, and updated_at is set to the mutation's commit time on every
// create, update and delete.
type Service struct {
	db     *store.DB
	queue  *queue.Queue
	userID string
	logger *log.Logger

	// now is swappable for tests with literal timestamps.
	now func() time.Time
}

// NewService creates a mutation service for one user.
// If logger is nil, a default logger writing to stderr is used.
func NewService(db *store.DB, q *queue.Queue, userID string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[notes] ", log.LstdFlags)
	}
	return &Service{
		db:     db,
		queue:  q,
		userID: userID,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NoteUpdate describes a partial note update. Nil fields are left unchanged.
type NoteUpdate struct {
	Title   *string
	Content *string
	GroupID *string
}

// GroupUpdate describes a partial group update. Nil fields are left unchanged.
type GroupUpdate struct {
	Name      *string
	Color     *string
	SortOrder *int
}

// CreateNote commits a new note locally and enqueues an INSERT.
func (s *Service) CreateNote(ctx context.Context, groupID, title, content string) (*model.Note, error) {
	now := s.now()
	note := &model.Note{
		ID:        uuid.New().String(),
		UserID:    s.userID,
		GroupID:   groupID,
		Title:     title,
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.UpsertNote(ctx, note, false); err != nil {
		return nil, fmt.Errorf("failed to create note: %w", err)
	}
	if err := s.enqueue(ctx, model.TableNotes, note.ID, model.OpInsert, note); err != nil {
		return nil, err
	}

	s.logger.Printf("Created note %s", note.ID)
	return note, nil
}

// UpdateNote applies a partial update, bumps the version and enqueues an
// UPDATE. Returns store.ErrNotFound if the note does not exist.
func (s *Service) UpdateNote(ctx context.Context, id string, upd NoteUpdate) (*model.Note, error) {
	note, err := s.db.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		note.Title = *upd.Title
	}
	if upd.Content != nil {
		note.Content = *upd.Content
	}
	if upd.GroupID != nil {
		note.GroupID = *upd.GroupID
	}
	note.Version++
	note.UpdatedAt = s.now()

	if err := s.db.UpsertNote(ctx, note, false); err != nil {
		return nil, fmt.Errorf("failed to update note: %w", err)
	}
	if err := s.enqueue(ctx, model.TableNotes, note.ID, model.OpUpdate, note); err != nil {
		return nil, err
	}

	s.logger.Printf("Updated note %s (v%d)", note.ID, note.Version)
	return note, nil
}

// DeleteNote tombstones a note and enqueues a DELETE. The row stays in the
// local store until the cleanup sweeper's retention window expires.
// Returns store.ErrNotFound if the note does not exist.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	note, err := s.db.GetNote(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	note.IsDeleted = true
	note.DeletedAt = &now
	note.Version++
	note.UpdatedAt = now

	if err := s.db.UpsertNote(ctx, note, false); err != nil {
		return fmt.Errorf("failed to tombstone note: %w", err)
	}
	if err := s.enqueue(ctx, model.TableNotes, note.ID, model.OpDelete, note); err != nil {
		return err
	}

	s.logger.Printf("Deleted note %s", note.ID)
	return nil
}

// CreateGroup commits a new group locally and enqueues an INSERT.
func (s *Service) CreateGroup(ctx context.Context, name, color string, sortOrder int) (*model.Group, error) {
	now := s.now()
	group := &model.Group{
		ID:        uuid.New().String(),
		UserID:    s.userID,
		Name:      name,
		Color:     color,
		SortOrder: sortOrder,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.UpsertGroup(ctx, group, false); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	if err := s.enqueue(ctx, model.TableGroups, group.ID, model.OpInsert, group); err != nil {
		return nil, err
	}

	s.logger.Printf("Created group %s", group.ID)
	return group, nil
}

// UpdateGroup applies a partial update, bumps the version and enqueues an
// UPDATE. Returns store.ErrNotFound if the group does not exist.
func (s *Service) UpdateGroup(ctx context.Context, id string, upd GroupUpdate) (*model.Group, error) {
	group, err := s.db.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		group.Name = *upd.Name
	}
	if upd.Color != nil {
		group.Color = *upd.Color
	}
	if upd.SortOrder != nil {
		group.SortOrder = *upd.SortOrder
	}
	group.Version++
	group.UpdatedAt = s.now()

	if err := s.db.UpsertGroup(ctx, group, false); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	if err := s.enqueue(ctx, model.TableGroups, group.ID, model.OpUpdate, group); err != nil {
		return nil, err
	}

	s.logger.Printf("Updated group %s (v%d)", group.ID, group.Version)
	return group, nil
}

// DeleteGroup tombstones a group and enqueues a DELETE.
// Returns store.ErrNotFound if the group does not exist.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	group, err := s.db.GetGroup(ctx, id)
	if err != nil {
		return err
	}

	group.IsDeleted = true
	group.Version++
	group.UpdatedAt = s.now()

	if err := s.db.UpsertGroup(ctx, group, false); err != nil {
		return fmt.Errorf("failed to tombstone group: %w", err)
	}
	if err := s.enqueue(ctx, model.TableGroups, group.ID, model.OpDelete, group); err != nil {
		return err
	}

	s.logger.Printf("Deleted group %s", group.ID)
	return nil
}

func (s *Service) enqueue(ctx context.Context, table model.Table, recordID string, op model.Operation, entity any) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s %s: %w", table, recordID, err)
	}
	if _, err := s.queue.Enqueue(ctx, table, recordID, op, payload, s.userID); err != nil {
		return err
	}
	return nil
}
