// Package netwatch provides the network status source for the sync engine.
//
// Connectivity is probed by pinging the remote store's health endpoint on a
// fixed interval; subscribers receive discrete online/offline transition
// events, not the raw probe results.
package netwatch

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// State is the connectivity state reported to subscribers.
type State int

const (
	// Offline means the last probe failed.
	Offline State = iota
	// Online means the last probe succeeded.
	Online
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Pinger probes the remote store. remote.Client satisfies this.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DefaultProbeInterval is how often connectivity is probed.
const DefaultProbeInterval = 10 * time.Second

// Monitor polls connectivity and broadcasts transitions.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	subs   []chan State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. If interval is zero, DefaultProbeInterval is used.
// If logger is nil, a default logger writing to stderr is used.
func New(pinger Pinger, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[netwatch] ", log.LstdFlags)
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		logger:   logger,
	}
}

// Subscribe registers a transition listener. The returned channel is
// buffered; a slow consumer drops intermediate transitions rather than
// blocking the probe loop.
func (m *Monitor) Subscribe() <-chan State {
	ch := make(chan State, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Online reports the most recent probe result.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start probes once immediately, then on the configured interval.
// It returns right away; probing happens on a background goroutine until
// Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.probe(runCtx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.probe(runCtx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.pinger.Ping(probeCtx)
	cancel()

	nowOnline := err == nil

	m.mu.Lock()
	changed := nowOnline != m.online
	m.online = nowOnline
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}

	state := Offline
	if nowOnline {
		state = Online
	}
	m.logger.Printf("Network transition: %s", state)

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}
