// Package realtime provides the reconciler that applies inbound change
// events from the remote store outside the periodic push/pull cycle.
//
// The reconciler shares the sync engine's conflict policy: a remote
// INSERT/UPDATE only overwrites the local row when its updated_at is
// strictly greater, while DELETE events are terminal and apply
// unconditionally. Both paths write id-addressed upserts, so interleaving
// with an in-flight sync cycle cannot corrupt state, only repeat a write
// with the same resolved value.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/northstarlabs/notesync/internal/engine"
	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

// RetryCap is the upper bound on the jittered retry delay after a handler
// failure.
const RetryCap = 30 * time.Second

// Subscription is a live change-event stream that can be torn down.
type Subscription interface {
	Close() error
}

// ChangeFeed is the capability of subscribing to per-table change events,
// filtered by owning user. The concrete transport is an external
// collaborator (WebSocket in this repo, see remote.Client).
type ChangeFeed interface {
	Subscribe(ctx context.Context, table model.Table, userID string, handler remote.ChangeHandler, onError func(model.Table, model.ChangeEvent, error)) (Subscription, error)
}

// Feed adapts a *remote.Client to the ChangeFeed capability.
func Feed(c *remote.Client) ChangeFeed {
	return clientFeed{c: c}
}

type clientFeed struct {
	c *remote.Client
}

func (f clientFeed) Subscribe(ctx context.Context, table model.Table, userID string, handler remote.ChangeHandler, onError func(model.Table, model.ChangeEvent, error)) (Subscription, error) {
	return f.c.Subscribe(ctx, table, userID, handler, onError)
}

// retryState tracks the single outstanding retry for one collection.
// A new failure on the same collection replaces the pending retry rather
// than stacking a second timer.
type retryState struct {
	timer *time.Timer
	bo    *backoff.ExponentialBackOff
	event model.ChangeEvent
}

// Reconciler consumes the change-event streams for notes and groups and
// applies them to the local store.
type Reconciler struct {
	local  engine.LocalStore
	feed   ChangeFeed
	engine *engine.Engine
	userID string
	logger *log.Logger

	mu      sync.Mutex
	running bool
	subs    []Subscription
	retries map[model.Table]*retryState

	ctx    context.Context
	cancel context.CancelFunc

	// now is swappable for tests.
	now func() time.Time
}

// New creates a realtime reconciler.
// If logger is nil, a default logger writing to stderr is used.
func New(local engine.LocalStore, feed ChangeFeed, eng *engine.Engine, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Reconciler{
		local:   local,
		feed:    feed,
		engine:  eng,
		logger:  logger,
		retries: make(map[model.Table]*retryState),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start subscribes to the notes and groups change streams for the user,
// starts the engine's periodic timer and performs one immediate full sync.
func (r *Reconciler) Start(ctx context.Context, userID string) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.userID = userID
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	for _, table := range []model.Table{model.TableNotes, model.TableGroups} {
		sub, err := r.feed.Subscribe(runCtx, table, userID, r.handleEvent, r.onHandlerError)
		if err != nil {
			_ = r.Stop()
			return fmt.Errorf("failed to start %s subscription: %w", table, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	r.engine.StartPeriodic(runCtx)

	go func() {
		if err := r.engine.Sync(runCtx); err != nil && !errors.Is(err, engine.ErrOffline) {
			r.logger.Printf("Initial sync failed: %v", err)
		}
	}()

	r.logger.Printf("Realtime reconciler started for user %s", userID)
	return nil
}

// Stop unsubscribes from both streams, cancels the periodic timer and
// clears every pending retry timer. Cancellation is deterministic: no
// retry fires after Stop returns.
func (r *Reconciler) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	subs := r.subs
	r.subs = nil
	for table, st := range r.retries {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.retries, table)
	}
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.engine.StopPeriodic()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.logger.Printf("Realtime reconciler stopped")
	return firstErr
}

// Foreground triggers one immediate sync, called when the application
// returns to the foreground.
func (r *Reconciler) Foreground() {
	r.mu.Lock()
	running := r.running
	runCtx := r.ctx
	r.mu.Unlock()
	if !running {
		return
	}

	go func() {
		if err := r.engine.Sync(runCtx); err != nil && !errors.Is(err, engine.ErrOffline) {
			r.logger.Printf("Foreground sync failed: %v", err)
		}
	}()
}

// handleEvent applies one change event to the local store.
func (r *Reconciler) handleEvent(ctx context.Context, ev model.ChangeEvent) error {
	switch ev.Table {
	case model.TableNotes:
		return r.applyNote(ctx, ev)
	case model.TableGroups:
		return r.applyGroup(ctx, ev)
	default:
		return fmt.Errorf("unknown collection %q", ev.Table)
	}
}

func (r *Reconciler) applyNote(ctx context.Context, ev model.ChangeEvent) error {
	var rn model.Note
	if err := json.Unmarshal(ev.Row(), &rn); err != nil {
		return fmt.Errorf("failed to decode note event: %w", err)
	}

	if ev.Type == model.OpDelete {
		// Delete events are terminal: deletion is itself an update to
		// is_deleted, so no timestamp comparison is done.
		rn.IsDeleted = true
		if rn.DeletedAt == nil {
			now := r.now()
			rn.DeletedAt = &now
		}
		return r.local.UpsertNote(ctx, &rn, true)
	}

	local, err := r.local.GetNote(ctx, rn.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.local.UpsertNote(ctx, &rn, true)
	case err != nil:
		return err
	}

	// Local is at least as new; equal timestamps keep the local row on
	// this path, unlike the pull path where ties resolve to remote.
	if !rn.ModifiedAt().After(local.ModifiedAt()) {
		return nil
	}
	return r.local.UpsertNote(ctx, &rn, true)
}

func (r *Reconciler) applyGroup(ctx context.Context, ev model.ChangeEvent) error {
	var rg model.Group
	if err := json.Unmarshal(ev.Row(), &rg); err != nil {
		return fmt.Errorf("failed to decode group event: %w", err)
	}

	if ev.Type == model.OpDelete {
		rg.IsDeleted = true
		return r.local.UpsertGroup(ctx, &rg, true)
	}

	local, err := r.local.GetGroup(ctx, rg.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.local.UpsertGroup(ctx, &rg, true)
	case err != nil:
		return err
	}

	if !rg.ModifiedAt().After(local.ModifiedAt()) {
		return nil
	}
	return r.local.UpsertGroup(ctx, &rg, true)
}

// onHandlerError schedules a retry for a failed event, keyed by collection
// so notes and groups retries never interfere.
func (r *Reconciler) onHandlerError(table model.Table, ev model.ChangeEvent, err error) {
	r.logger.Printf("Warning: failed to apply %s event on %s: %v (will retry)", ev.Type, table, err)
	r.scheduleRetry(table, ev)
}

func (r *Reconciler) scheduleRetry(table model.Table, ev model.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	st := r.retries[table]
	if st == nil {
		st = &retryState{bo: newBackoff()}
		r.retries[table] = st
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.event = ev

	delay := st.bo.NextBackOff()
	st.timer = time.AfterFunc(delay, func() { r.retry(table) })
}

func (r *Reconciler) retry(table model.Table) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	st := r.retries[table]
	if st == nil {
		r.mu.Unlock()
		return
	}
	ev := st.event
	runCtx := r.ctx
	r.mu.Unlock()

	if err := r.handleEvent(runCtx, ev); err != nil {
		r.logger.Printf("Warning: retry failed on %s: %v", table, err)
		r.scheduleRetry(table, ev)
		return
	}

	r.mu.Lock()
	delete(r.retries, table)
	r.mu.Unlock()
}

// newBackoff builds the jittered exponential backoff used between retries,
// capped at RetryCap and never giving up on its own.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = RetryCap
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
