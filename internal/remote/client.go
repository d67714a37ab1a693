// Package remote provides the client for the shared remote table store.
//
// The remote store is the authoritative copy of the user's notes and groups.
// It exposes table-scoped CRUD over HTTP JSON and a per-table change-event
// stream over WebSocket. No distributed lock is taken: the sync engine
// reconciles by timestamp comparison, so the client only moves rows.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/northstarlabs/notesync/internal/model"
)

// DefaultTimeout bounds every remote call. The transport default alone is
// not enough: a hung pull would otherwise pin the sync cycle indefinitely.
const DefaultTimeout = 15 * time.Second

// SelectFilter narrows a Select call. Zero fields are omitted from the query.
type SelectFilter struct {
	// UserID scopes rows to the owning user.
	UserID string
	// UpdatedSince is the inclusive lower bound on updated_at.
	UpdatedSince time.Time
}

// DeleteFilter narrows a DeleteWhere call. Zero fields are omitted.
type DeleteFilter struct {
	// UserID scopes rows to the owning user.
	UserID string
	// DeletedBefore hard-deletes tombstones whose deleted_at (or updated_at
	// for collections without one) is older than this instant.
	DeletedBefore time.Time
	// ProcessedBefore applies to the sync_operations audit collection.
	ProcessedBefore time.Time
}

// Client talks to the remote table store.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates a remote store client.
//
// baseURL is the server root (e.g. https://sync.example.com). token is an
// opaque bearer token; authentication itself is handled server-side.
// If logger is nil, a default logger writing to stderr is used.
func NewClient(baseURL, token string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  logger,
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string { return c.baseURL }

// Ping checks connectivity to the remote store.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: server returned %s", resp.Status)
	}
	return nil
}

// Insert creates a row in the given table.
func (c *Client) Insert(ctx context.Context, table model.Table, row json.RawMessage) error {
	return c.send(ctx, http.MethodPost, c.tableURL(table, nil), row)
}

// Update overwrites fields of the row with the given id. The patch carries
// the full entity snapshot; soft deletes are just an update that sets
// is_deleted and preserves deleted_at.
func (c *Client) Update(ctx context.Context, table model.Table, id string, patch json.RawMessage) error {
	u := fmt.Sprintf("%s/v1/%s/%s", c.baseURL, table, url.PathEscape(id))
	return c.send(ctx, http.MethodPatch, u, patch)
}

// Select fetches rows from the given table matching the filter.
// Rows are returned in updated_at ascending order as raw JSON objects.
func (c *Client) Select(ctx context.Context, table model.Table, filter SelectFilter) ([]json.RawMessage, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if !filter.UpdatedSince.IsZero() {
		q.Set("updated_since", filter.UpdatedSince.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tableURL(table, q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build select request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("select %s failed: %w", table, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("select %s failed: server returned %s", table, resp.Status)
	}

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
	}
	return rows, nil
}

// DeleteWhere hard-deletes rows matching the filter. Used only by the
// retention sweeper; regular deletes travel as soft-delete updates.
func (c *Client) DeleteWhere(ctx context.Context, table model.Table, filter DeleteFilter) error {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if !filter.DeletedBefore.IsZero() {
		q.Set("deleted_before", filter.DeletedBefore.Format(time.RFC3339Nano))
	}
	if !filter.ProcessedBefore.IsZero() {
		q.Set("processed_before", filter.ProcessedBefore.Format(time.RFC3339Nano))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.tableURL(table, q), nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete from %s failed: %w", table, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete from %s failed: server returned %s", table, resp.Status)
	}
	return nil
}

// TableSyncOperations is the remote audit collection of processed pushes.
const TableSyncOperations model.Table = "sync_operations"

// auditRow is the audit record appended for each successfully pushed item.
type auditRow struct {
	Table       model.Table     `json:"table"`
	RecordID    string          `json:"record_id"`
	Operation   model.Operation `json:"operation"`
	UserID      string          `json:"user_id"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// RecordOperation appends a sync-operation audit row. Best effort: callers
// log failures but never fail the push over them.
func (c *Client) RecordOperation(ctx context.Context, table model.Table, recordID string, op model.Operation, userID string) error {
	row, err := json.Marshal(auditRow{
		Table:       table,
		RecordID:    recordID,
		Operation:   op,
		UserID:      userID,
		ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit row: %w", err)
	}
	return c.send(ctx, http.MethodPost, c.tableURL(TableSyncOperations, nil), row)
}

func (c *Client) tableURL(table model.Table, q url.Values) string {
	u := fmt.Sprintf("%s/v1/%s", c.baseURL, table)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) send(ctx context.Context, method, u string, body json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, u, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s failed: server returned %s", method, u, resp.Status)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
