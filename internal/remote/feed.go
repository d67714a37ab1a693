package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/northstarlabs/notesync/internal/model"
)

// ChangeHandler is called for each change event delivered on a subscription.
//
// A returned error means the event could not be applied; the caller (the
// realtime reconciler) schedules a retry. The event stays the handler's to
// retry - the feed itself never redelivers.
type ChangeHandler func(ctx context.Context, event model.ChangeEvent) error

// Subscription is a live change-event stream for one table, filtered by user.
// Close it to stop the read loop and release the connection.
type Subscription struct {
	table  model.Table
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Table returns the collection this subscription watches.
func (s *Subscription) Table() model.Table { return s.table }

// Close terminates the subscription. Safe to call more than once.
// It blocks until the read loop has exited, so no handler fires after Close
// returns.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.wg.Wait()
	return err
}

// Subscribe opens a change-event stream for one table scoped to one user.
//
// Events arrive as JSON frames of the shape {event_type, new, old} and are
// dispatched to handler sequentially, in arrival order. Handler errors are
// reported to onError (which must not block); the read loop keeps going.
//
// The stream lives until Close is called or the connection drops.
func (c *Client) Subscribe(ctx context.Context, table model.Table, userID string, handler ChangeHandler, onError func(model.Table, model.ChangeEvent, error)) (*Subscription, error) {
	q := url.Values{}
	q.Set("table", string(table))
	q.Set("user_id", userID)

	wsURL := httpToWS(c.baseURL) + "/v1/changes?" + q.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, DefaultTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s changes: %w", table, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		table:  table,
		conn:   conn,
		cancel: cancel,
	}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		c.readLoop(runCtx, sub, handler, onError)
	}()

	c.logger.Printf("Subscribed to %s changes for user %s", table, userID)
	return sub, nil
}

// readLoop reads change events until the subscription is closed or the
// connection drops.
func (c *Client) readLoop(ctx context.Context, sub *Subscription, handler ChangeHandler, onError func(model.Table, model.ChangeEvent, error)) {
	for {
		_, data, err := sub.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Printf("Change stream for %s closed: %v", sub.table, err)
			}
			return
		}

		var event model.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.logger.Printf("Warning: malformed change event on %s: %v", sub.table, err)
			continue
		}
		event.Table = sub.table

		if err := handler(ctx, event); err != nil {
			if onError != nil {
				onError(sub.table, event, err)
			} else {
				c.logger.Printf("Warning: handler error on %s: %v", sub.table, err)
			}
		}
	}
}

// httpToWS rewrites an http(s) base URL to its ws(s) equivalent.
func httpToWS(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
