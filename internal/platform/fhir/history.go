package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirstore/internal/platform/db"
)

// History actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// HistoryEntry represents a single version of a resource stored in the resource_history table.
type HistoryEntry struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	VersionID    string          `json:"version_id"`
	Resource     json.RawMessage `json:"resource"`
	Action       string          `json:"action"`
	Timestamp    time.Time       `json:"timestamp"`
}

type historyQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// HistoryRepository provides access to the shared resource_history table.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

func (r *HistoryRepository) conn(ctx context.Context) historyQuerier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if r.pool != nil {
		return r.pool
	}
	return nil
}

// SaveVersion stores a snapshot of a resource version in the history table.
func (r *HistoryRepository) SaveVersion(ctx context.Context, entry *HistoryEntry) error {
	q := r.conn(ctx)
	if q == nil {
		return fmt.Errorf("no database connection in context")
	}

	_, err := q.Exec(ctx, `
		INSERT INTO resource_history (resource_type, resource_id, version_id, resource, action, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ResourceType, entry.ResourceID, entry.VersionID, []byte(entry.Resource), entry.Action, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("save history version: %w", err)
	}
	return nil
}

const historyCols = `resource_type, resource_id, version_id, resource, action, timestamp`

// GetVersion retrieves a specific version of a resource.
func (r *HistoryRepository) GetVersion(ctx context.Context, resourceType, resourceID, versionID string) (*HistoryEntry, error) {
	q := r.conn(ctx)
	if q == nil {
		return nil, fmt.Errorf("no database connection in context")
	}

	var h HistoryEntry
	err := q.QueryRow(ctx, `
		SELECT `+historyCols+`
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3
		ORDER BY id DESC LIMIT 1`,
		resourceType, resourceID, versionID).
		Scan(&h.ResourceType, &h.ResourceID, &h.VersionID, &h.Resource, &h.Action, &h.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/_history/%s: %w", FormatReference(resourceType, resourceID), versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get history version: %w", err)
	}
	return &h, nil
}

// ListVersions retrieves all versions of a resource, newest first.
func (r *HistoryRepository) ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*HistoryEntry, int, error) {
	q := r.conn(ctx)
	if q == nil {
		return nil, 0, fmt.Errorf("no database connection in context")
	}

	var total int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}

	// version_id is text, so ordering uses the insertion sequence.
	rows, err := q.Query(ctx, `
		SELECT `+historyCols+`
		FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY id DESC
		LIMIT $3 OFFSET $4`,
		resourceType, resourceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ResourceType, &h.ResourceID, &h.VersionID, &h.Resource, &h.Action, &h.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, &h)
	}
	return entries, total, rows.Err()
}

// DeleteVersions removes every stored version of a resource.
func (r *HistoryRepository) DeleteVersions(ctx context.Context, resourceType, resourceID string) error {
	q := r.conn(ctx)
	if q == nil {
		return fmt.Errorf("no database connection in context")
	}
	if _, err := q.Exec(ctx, `DELETE FROM resource_history WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID); err != nil {
		return fmt.Errorf("delete history versions: %w", err)
	}
	return nil
}

// NewHistoryBundle creates a FHIR Bundle of type "history" from history entries.
func NewHistoryBundle(entries []*HistoryEntry, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	bundleEntries := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		ref := FormatReference(entry.ResourceType, entry.ResourceID)

		method := "PUT"
		status := "200 OK"
		switch entry.Action {
		case ActionCreate:
			method = "POST"
			status = "201 Created"
		case ActionDelete:
			method = "DELETE"
			status = "204 No Content"
		}

		ts := entry.Timestamp
		bundleEntries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/_history/%s", baseURL, ref, entry.VersionID),
			Resource: entry.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    ref,
			},
			Response: &BundleResponse{
				Status:       status,
				LastModified: &ts,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        bundleEntries,
	}
}
