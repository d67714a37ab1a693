// Package engine provides the push/pull sync engine that reconciles the
// local store against the remote table store.
//
// A cycle drains the mutation queue (push), fetches remote deltas since the
// persisted watermark (pull), resolves conflicts last-write-wins, and only
// then advances the watermark. Cycles are single-flight per engine instance:
// a concurrent trigger is a no-op. Cycle failures never advance the
// watermark, so the next cycle re-pulls the same window - the design
// tolerates redundant pulls, never silent losses.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/resolver"
	"github.com/northstarlabs/notesync/internal/store"
)

// WatermarkKey is the settings key holding the exclusive lower bound of the
// next pull window. It is advanced only after a fully successful cycle and
// never rolled back.
const WatermarkKey = "lastSyncTime"

// ErrOffline is returned by Sync when the device is offline.
var ErrOffline = errors.New("device is offline")

// LocalStore is the device-private entity store the engine writes into.
// *store.DB satisfies this.
type LocalStore interface {
	GetNote(ctx context.Context, id string) (*model.Note, error)
	UpsertNote(ctx context.Context, n *model.Note, synced bool) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	UpsertGroup(ctx context.Context, g *model.Group, synced bool) error
}

// Settings persists the sync watermark. *store.DB satisfies this.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// MutationQueue is the durable queue of pending local writes.
// *queue.Queue satisfies this.
type MutationQueue interface {
	Pending(ctx context.Context, userID string, limit int) ([]*model.QueueItem, error)
	PendingCount(ctx context.Context, userID string) (int, error)
	Remove(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, pushErr error) error
}

// RemoteStore is the shared authoritative store. *remote.Client satisfies
// this.
type RemoteStore interface {
	Insert(ctx context.Context, table model.Table, row json.RawMessage) error
	Update(ctx context.Context, table model.Table, id string, patch json.RawMessage) error
	Select(ctx context.Context, table model.Table, filter remote.SelectFilter) ([]json.RawMessage, error)
	RecordOperation(ctx context.Context, table model.Table, recordID string, op model.Operation, userID string) error
}

// Status is the sync state snapshot broadcast to listeners and exposed for
// UI display.
type Status struct {
	Syncing      bool
	Online       bool
	PendingCount int
	LastError    string
	LastSyncTime time.Time
}

// Listener receives status updates at cycle start and cycle end.
type Listener func(Status)

// Config holds engine configuration.
type Config struct {
	// Interval is the periodic sync interval (default 30s).
	Interval time.Duration

	// PushBatchSize bounds one push round (default queue.DefaultBatchSize).
	PushBatchSize int

	// Strategy is the conflict resolution strategy applied during pull
	// (default resolver.PreferLatest).
	Strategy resolver.Strategy

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:      30 * time.Second,
		PushBatchSize: queue.DefaultBatchSize,
		Strategy:      resolver.PreferLatest,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine orchestrates push/pull reconciliation for one user.
type Engine struct {
	local    LocalStore
	settings Settings
	queue    MutationQueue
	remote   RemoteStore
	userID   string
	config   *Config

	syncing atomic.Bool
	online  atomic.Bool

	listenersMu sync.Mutex
	listeners   map[int]Listener
	nextID      int

	lastMu   sync.Mutex
	lastErr  string
	lastSync time.Time

	tickerCancel context.CancelFunc
	tickerWg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a sync engine. Construct one per process at startup and hand
// it to consumers; there is no global instance.
func New(local LocalStore, settings Settings, q MutationQueue, r RemoteStore, userID string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.PushBatchSize <= 0 {
		config.PushBatchSize = queue.DefaultBatchSize
	}
	if config.Strategy == "" {
		config.Strategy = resolver.PreferLatest
	}

	e := &Engine{
		local:     local,
		settings:  settings,
		queue:     q,
		remote:    r,
		userID:    userID,
		config:    config,
		listeners: make(map[int]Listener),
		now:       func() time.Time { return time.Now().UTC() },
	}

	// Restore the watermark so Status is meaningful before the first cycle.
	if wm, err := e.loadWatermark(context.Background()); err == nil {
		e.lastSync = wm
	}

	return e
}

// AddListener registers a status listener and returns a handle for removal.
func (e *Engine) AddListener(l Listener) int {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return id
}

// RemoveListener unregisters a listener by handle. Unknown handles are
// ignored.
func (e *Engine) RemoveListener(id int) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	delete(e.listeners, id)
}

// SetOnline records the connectivity state reported by the network monitor.
// The caller triggers Sync on an offline-to-online transition.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Syncing reports whether a cycle is currently in flight.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// Status returns the current sync state snapshot.
func (e *Engine) Status(ctx context.Context) Status {
	pending, err := e.queue.PendingCount(ctx, e.userID)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to count pending items: %v", err)
	}

	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return Status{
		Syncing:      e.syncing.Load(),
		Online:       e.online.Load(),
		PendingCount: pending,
		LastError:    e.lastErr,
		LastSyncTime: e.lastSync,
	}
}

// Sync runs one full push/pull cycle.
//
// At most one cycle is in flight per engine: a second caller returns
// immediately with nil. Returns ErrOffline if the device is offline.
// Any failure during push-read, pull or finalize aborts the cycle and
// leaves the watermark untouched.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.syncing.Store(false)

	if !e.online.Load() {
		return ErrOffline
	}

	pending, err := e.queue.PendingCount(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}

	e.broadcast(Status{
		Syncing:      true,
		Online:       true,
		PendingCount: pending,
		LastSyncTime: e.lastSyncTime(),
	})

	cycleErr := e.cycle(ctx)

	after, countErr := e.queue.PendingCount(ctx, e.userID)
	if countErr != nil {
		e.config.Logger.Printf("Warning: failed to count pending items: %v", countErr)
		after = pending
	}

	e.lastMu.Lock()
	if cycleErr != nil {
		e.lastErr = cycleErr.Error()
	} else {
		e.lastErr = ""
	}
	last := e.lastSync
	errStr := e.lastErr
	e.lastMu.Unlock()

	e.broadcast(Status{
		Syncing:      false,
		Online:       e.online.Load(),
		PendingCount: after,
		LastError:    errStr,
		LastSyncTime: last,
	})

	return cycleErr
}

// StartPeriodic runs Sync on the configured interval until StopPeriodic is
// called or ctx is cancelled. Ticks while offline are skipped.
func (e *Engine) StartPeriodic(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.tickerCancel = cancel

	e.tickerWg.Add(1)
	go func() {
		defer e.tickerWg.Done()

		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if !e.online.Load() {
					continue
				}
				if err := e.Sync(runCtx); err != nil && !errors.Is(err, ErrOffline) {
					e.config.Logger.Printf("Periodic sync failed: %v", err)
				}
			}
		}
	}()
}

// StopPeriodic cancels the periodic timer and waits for the tick loop to
// exit. No tick fires after StopPeriodic returns.
func (e *Engine) StopPeriodic() {
	if e.tickerCancel != nil {
		e.tickerCancel()
		e.tickerCancel = nil
	}
	e.tickerWg.Wait()
}

// cycle executes push, pull and finalize in order.
func (e *Engine) cycle(ctx context.Context) error {
	if err := e.push(ctx); err != nil {
		return err
	}
	if err := e.pull(ctx); err != nil {
		return err
	}

	// Advance to "now" rather than to the latest fetched updated_at so a
	// skewed remote clock cannot open a permanent gap in the pull window.
	wm := e.now()
	if err := e.settings.SetSetting(ctx, WatermarkKey, wm.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to persist watermark: %w", err)
	}

	e.lastMu.Lock()
	e.lastSync = wm
	e.lastMu.Unlock()

	return nil
}

// push drains up to one batch of pending queue items, oldest first.
//
// Per-item failures are recorded on the item and the round continues; one
// broken item must not block the rest. Only a failure to read the queue
// itself aborts the cycle.
func (e *Engine) push(ctx context.Context) error {
	items, err := e.queue.Pending(ctx, e.userID, e.config.PushBatchSize)
	if err != nil {
		return fmt.Errorf("failed to read pending queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	e.config.Logger.Printf("Pushing %d queued mutations", len(items))

	for _, item := range items {
		if err := e.pushItem(ctx, item); err != nil {
			e.config.Logger.Printf("Warning: push failed for %s %s/%s (attempt %d): %v",
				item.Operation, item.Table, item.RecordID, item.RetryCount+1, err)
			if recErr := e.queue.RecordFailure(ctx, item.ID, err); recErr != nil {
				e.config.Logger.Printf("Warning: failed to record push failure: %v", recErr)
			}
			continue
		}

		if err := e.queue.Remove(ctx, item.ID); err != nil {
			e.config.Logger.Printf("Warning: failed to remove queue item %s: %v", item.ID, err)
		}

		// Best-effort audit trail; the sweeper prunes it remotely.
		if err := e.remote.RecordOperation(ctx, item.Table, item.RecordID, item.Operation, e.userID); err != nil {
			e.config.Logger.Printf("Warning: failed to record sync operation: %v", err)
		}
	}

	return nil
}

// pushItem applies one queued mutation to the remote store. The payload is
// the full entity snapshot taken at enqueue time, so DELETE travels as a
// soft-delete update carrying is_deleted and deleted_at.
func (e *Engine) pushItem(ctx context.Context, item *model.QueueItem) error {
	switch item.Operation {
	case model.OpInsert:
		return e.remote.Insert(ctx, item.Table, item.Payload)
	case model.OpUpdate, model.OpDelete:
		return e.remote.Update(ctx, item.Table, item.RecordID, item.Payload)
	default:
		return fmt.Errorf("unknown operation %q", item.Operation)
	}
}

// pull fetches remote deltas since the watermark and applies them
// last-write-wins. Notes are processed fully before groups.
func (e *Engine) pull(ctx context.Context) error {
	wm, err := e.loadWatermark(ctx)
	if err != nil {
		return err
	}

	if err := e.pullNotes(ctx, wm); err != nil {
		return err
	}
	return e.pullGroups(ctx, wm)
}

func (e *Engine) pullNotes(ctx context.Context, since time.Time) error {
	rows, err := e.remote.Select(ctx, model.TableNotes, remote.SelectFilter{
		UserID:       e.userID,
		UpdatedSince: since,
	})
	if err != nil {
		return fmt.Errorf("failed to pull notes: %w", err)
	}

	applied := 0
	for _, row := range rows {
		var rn model.Note
		if err := json.Unmarshal(row, &rn); err != nil {
			return fmt.Errorf("failed to decode remote note: %w", err)
		}

		local, err := e.local.GetNote(ctx, rn.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// New on this device; insert marked synced so it never
			// loops back into the push queue.
			if err := e.local.UpsertNote(ctx, &rn, true); err != nil {
				return err
			}
			applied++
		case err != nil:
			return err
		default:
			if resolver.RemoteWins(local, &rn, e.config.Strategy) {
				if err := e.local.UpsertNote(ctx, &rn, true); err != nil {
					return err
				}
				applied++
			}
		}
	}

	if len(rows) > 0 {
		e.config.Logger.Printf("Pulled %d notes, applied %d", len(rows), applied)
	}
	return nil
}

func (e *Engine) pullGroups(ctx context.Context, since time.Time) error {
	rows, err := e.remote.Select(ctx, model.TableGroups, remote.SelectFilter{
		UserID:       e.userID,
		UpdatedSince: since,
	})
	if err != nil {
		return fmt.Errorf("failed to pull groups: %w", err)
	}

	applied := 0
	for _, row := range rows {
		var rg model.Group
		if err := json.Unmarshal(row, &rg); err != nil {
			return fmt.Errorf("failed to decode remote group: %w", err)
		}

		local, err := e.local.GetGroup(ctx, rg.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := e.local.UpsertGroup(ctx, &rg, true); err != nil {
				return err
			}
			applied++
		case err != nil:
			return err
		default:
			if resolver.RemoteWins(local, &rg, e.config.Strategy) {
				if err := e.local.UpsertGroup(ctx, &rg, true); err != nil {
					return err
				}
				applied++
			}
		}
	}

	if len(rows) > 0 {
		e.config.Logger.Printf("Pulled %d groups, applied %d", len(rows), applied)
	}
	return nil
}

// loadWatermark reads the persisted watermark; a missing key means this
// device has never completed a pull and the whole history is fetched.
func (e *Engine) loadWatermark(ctx context.Context) (time.Time, error) {
	raw, err := e.settings.GetSetting(ctx, WatermarkKey)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load watermark: %w", err)
	}

	wm, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt watermark %q: %w", raw, err)
	}
	return wm, nil
}

func (e *Engine) lastSyncTime() time.Time {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.lastSync
}

func (e *Engine) broadcast(st Status) {
	e.listenersMu.Lock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenersMu.Unlock()

	for _, l := range listeners {
		l(st)
	}
}
