// Package cleanup provides the retention sweeper that purges expired
// tombstones and dead queue items, locally and remotely.
//
// Retention is best-effort, not a correctness-critical path: the local and
// remote legs are independent, never transactional with each other, and a
// failure in one is logged without blocking the other.
package cleanup

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/northstarlabs/notesync/internal/model"
	"github.com/northstarlabs/notesync/internal/remote"
)

// LocalStore is the slice of the local store the sweeper needs.
// *store.DB satisfies this.
type LocalStore interface {
	PurgeTombstonedNotes(ctx context.Context, cutoff time.Time) (int64, error)
}

// MutationQueue is the slice of the queue DAO the sweeper needs.
// *queue.Queue satisfies this.
type MutationQueue interface {
	PurgeExhausted(ctx context.Context, userID string) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RemoteStore is the hard-delete capability of the remote store.
// *remote.Client satisfies this.
type RemoteStore interface {
	DeleteWhere(ctx context.Context, table model.Table, filter remote.DeleteFilter) error
}

// Config holds sweeper configuration.
type Config struct {
	// Interval is how often a sweep runs (default 24h).
	Interval time.Duration

	// TombstoneRetention is how long soft-deleted entities are kept before
	// hard deletion (default 30 days).
	TombstoneRetention time.Duration

	// QueueRetention is the hard ceiling on queue item age, regardless of
	// retry state (default 7 days).
	QueueRetention time.Duration

	// AuditRetention is how long remote sync-operation audit rows are kept
	// after processing (default 7 days).
	AuditRetention time.Duration

	// Logger for sweeper activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:           24 * time.Hour,
		TombstoneRetention: 30 * 24 * time.Hour,
		QueueRetention:     7 * 24 * time.Hour,
		AuditRetention:     7 * 24 * time.Hour,
		Logger:             log.New(os.Stderr, "[cleanup] ", log.LstdFlags),
	}
}

// Sweeper periodically purges expired data.
type Sweeper struct {
	local  LocalStore
	queue  MutationQueue
	remote RemoteStore
	userID string
	config *Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// New creates a sweeper for one user. remote may be nil when no user
// session exists; the remote leg is then skipped.
func New(local LocalStore, q MutationQueue, r RemoteStore, userID string, config *Config) *Sweeper {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cleanup] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if config.TombstoneRetention <= 0 {
		config.TombstoneRetention = 30 * 24 * time.Hour
	}
	if config.QueueRetention <= 0 {
		config.QueueRetention = 7 * 24 * time.Hour
	}
	if config.AuditRetention <= 0 {
		config.AuditRetention = 7 * 24 * time.Hour
	}

	return &Sweeper{
		local:  local,
		queue:  q,
		remote: r,
		userID: userID,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs one sweep immediately, then sweeps on the configured interval
// until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.Run(runCtx)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Run(runCtx)
			}
		}
	}()
}

// Stop halts periodic sweeping and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Run executes one sweep: the local leg, then the remote leg. Each step is
// independent; failures are logged and never propagate to the other steps.
func (s *Sweeper) Run(ctx context.Context) {
	s.runLocal(ctx)
	s.runRemote(ctx)
}

func (s *Sweeper) runLocal(ctx context.Context) {
	now := s.now()

	if n, err := s.local.PurgeTombstonedNotes(ctx, now.Add(-s.config.TombstoneRetention)); err != nil {
		s.config.Logger.Printf("Warning: failed to purge tombstoned notes: %v", err)
	} else if n > 0 {
		s.config.Logger.Printf("Purged %d tombstoned notes", n)
	}

	if n, err := s.queue.PurgeOlderThan(ctx, now.Add(-s.config.QueueRetention)); err != nil {
		s.config.Logger.Printf("Warning: failed to purge old queue items: %v", err)
	} else if n > 0 {
		s.config.Logger.Printf("Purged %d expired queue items", n)
	}

	if n, err := s.queue.PurgeExhausted(ctx, s.userID); err != nil {
		s.config.Logger.Printf("Warning: failed to purge exhausted queue items: %v", err)
	} else if n > 0 {
		s.config.Logger.Printf("Purged %d exhausted queue items", n)
	}
}

func (s *Sweeper) runRemote(ctx context.Context) {
	if s.remote == nil || s.userID == "" {
		return
	}

	now := s.now()
	tombstoneCutoff := now.Add(-s.config.TombstoneRetention)

	for _, table := range []model.Table{model.TableNotes, model.TableGroups} {
		err := s.remote.DeleteWhere(ctx, table, remote.DeleteFilter{
			UserID:        s.userID,
			DeletedBefore: tombstoneCutoff,
		})
		if err != nil {
			s.config.Logger.Printf("Warning: failed to purge remote %s tombstones: %v", table, err)
		}
	}

	err := s.remote.DeleteWhere(ctx, remote.TableSyncOperations, remote.DeleteFilter{
		UserID:          s.userID,
		ProcessedBefore: now.Add(-s.config.AuditRetention),
	})
	if err != nil {
		s.config.Logger.Printf("Warning: failed to purge remote sync operations: %v", err)
	}
}
