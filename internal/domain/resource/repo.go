package resource

import (
	"context"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// Repository persists resource records. Get and GetForUpdate return
// records in any status, including deleted; callers decide visibility.
type Repository interface {
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, resourceType, fhirID string) (*Record, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, resourceType, fhirID string) (*Record, error)
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, resourceType, fhirID string) error
	Search(ctx context.Context, req fhir.SearchRequest) ([]*Record, int, error)
	ResourceTypes(ctx context.Context) ([]string, error)
	// Stream visits every non-deleted record of a type in id order.
	Stream(ctx context.Context, resourceType string, fn func(*Record) error) error
	// InTx runs fn inside one database transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// HistoryStore keeps one snapshot per produced version.
type HistoryStore interface {
	SaveVersion(ctx context.Context, entry *fhir.HistoryEntry) error
	GetVersion(ctx context.Context, resourceType, resourceID, versionID string) (*fhir.HistoryEntry, error)
	ListVersions(ctx context.Context, resourceType, resourceID string, limit, offset int) ([]*fhir.HistoryEntry, int, error)
	DeleteVersions(ctx context.Context, resourceType, resourceID string) error
}
