package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// DeletePolicy selects what DELETE does to a resource.
type DeletePolicy string

const (
	// DeleteSoft marks the record deleted and keeps it and its history.
	DeleteSoft DeletePolicy = "soft"
	// DeleteHard removes the record and its history.
	DeleteHard DeletePolicy = "hard"
)

// ParseDeletePolicy accepts "soft" or "hard"; empty means soft.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeleteSoft:
		return DeleteSoft, nil
	case DeleteHard:
		return DeleteHard, nil
	}
	return "", fmt.Errorf("unknown delete policy %q", s)
}

var (
	resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)
	idPattern           = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
)

type Service struct {
	repo     Repository
	history  HistoryStore
	registry *fhir.Registry
	logger   zerolog.Logger
	policy   DeletePolicy
	now      func() time.Time
}

func NewService(repo Repository, history HistoryStore, registry *fhir.Registry, logger zerolog.Logger) *Service {
	if registry == nil {
		registry = fhir.NewDefaultRegistry()
	}
	return &Service{
		repo:     repo,
		history:  history,
		registry: registry,
		logger:   logger.With().Str("component", "resource").Logger(),
		policy:   DeleteSoft,
		now:      time.Now,
	}
}

func (s *Service) SetDeletePolicy(p DeletePolicy) { s.policy = p }
func (s *Service) DeletePolicy() DeletePolicy { return s.policy }

func validateIdentity(resourceType, id string) error {
	if !resourceTypePattern.MatchString(resourceType) {
		return fmt.Errorf("resource type %q: %w", resourceType, fhir.ErrValidation)
	}
	if id != "" && !idPattern.MatchString(id) {
		return fmt.Errorf("id %q: %w", id, fhir.ErrValidation)
	}
	return nil
}

// checkBody verifies that the body, when it names a resourceType or id,
// agrees with the request identity.
func checkBody(resourceType, id string, body map[string]interface{}) error {
	if body == nil {
		return fmt.Errorf("empty body: %w", fhir.ErrValidation)
	}
	if rt, ok := body["resourceType"]; ok && rt != resourceType {
		return fmt.Errorf("body resourceType %v does not match %s: %w", rt, resourceType, fhir.ErrValidation)
	}
	if id != "" {
		if bid, ok := body["id"]; ok && bid != id {
			return fmt.Errorf("body id %v does not match %s: %w", bid, id, fhir.ErrValidation)
		}
	}
	return nil
}

func (s *Service) saveHistory(ctx context.Context, rec *Record, action string) error {
	if s.history == nil {
		return nil
	}
	raw, err := json.Marshal(rec.ToFHIR())
	if err != nil {
		return fmt.Errorf("encode history snapshot: %w", err)
	}
	return s.history.SaveVersion(ctx, &fhir.HistoryEntry{
		ResourceType: rec.ResourceType,
		ResourceID:   rec.FHIRID,
		VersionID:    rec.VersionID,
		Resource:     raw,
		Action:       action,
		Timestamp:    rec.LastUpdated,
	})
}

func (s *Service) logCoerced(rec *Record, stored string) {
	s.logger.Warn().
		Str("resource_type", rec.ResourceType).
		Str("id", rec.FHIRID).
		Str("stored_version", stored).
		Str("version", rec.VersionID).
		Msg("non-numeric stored version treated as 1")
}

// Create stores a new resource at version "1". A missing id is assigned.
// An existing identity yields ErrIdentityConflict and is left untouched.
func (s *Service) Create(ctx context.Context, resourceType string, body map[string]interface{}) (*Record, error) {
	if err := validateIdentity(resourceType, ""); err != nil {
		return nil, err
	}
	if err := checkBody(resourceType, "", body); err != nil {
		return nil, err
	}
	id, _ := body["id"].(string)
	if id == "" {
		id = uuid.New().String()
	} else if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}

	stored := prepareBody(resourceType, id, body)
	d := fhir.NextVersion(nil, stored, s.now())
	rec := &Record{
		ResourceType: resourceType,
		FHIRID:       id,
		VersionID:    d.VersionID,
		LastUpdated:  d.LastUpdated,
		Status:       StatusActive,
		Resource:     stored,
		SearchParams: s.registry.Extract(resourceType, stored),
		Tags:         tagsFromBody(stored),
	}

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Insert(ctx, rec); err != nil {
			return err
		}
		return s.saveHistory(ctx, rec, fhir.ActionCreate)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the current record. Deleted records yield ErrGone.
func (s *Service) Get(ctx context.Context, resourceType, id string) (*Record, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusDeleted {
		return nil, fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, id), fhir.ErrGone)
	}
	return rec, nil
}

// Update replaces the body of an existing resource. The version advances
// only when the body changed; lastUpdated always advances. A non-empty
// ifMatch must name the current version.
func (s *Service) Update(ctx context.Context, resourceType, id string, body map[string]interface{}, ifMatch string) (*Record, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("missing id: %w", fhir.ErrValidation)
	}
	if err := checkBody(resourceType, id, body); err != nil {
		return nil, err
	}

	var out *Record
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetForUpdate(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if existing.Status == StatusDeleted {
			return fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, id), fhir.ErrNotFound)
		}
		if ifMatch != "" && ifMatch != existing.VersionID {
			return fmt.Errorf("%s is at version %s, not %s: %w",
				fhir.FormatReference(resourceType, id), existing.VersionID, ifMatch, fhir.ErrVersionConflict)
		}

		stored := prepareBody(resourceType, id, body)
		d := fhir.NextVersion(&fhir.VersionState{
			VersionID:   existing.VersionID,
			LastUpdated: existing.LastUpdated,
			Body:        existing.Resource,
		}, stored, s.now())

		rec := *existing
		rec.VersionID = d.VersionID
		rec.LastUpdated = d.LastUpdated
		rec.Resource = stored
		rec.SearchParams = s.registry.Extract(resourceType, stored)
		rec.Tags = tagsFromBody(stored)
		if d.Coerced {
			s.logCoerced(&rec, existing.VersionID)
		}

		if err := s.repo.Update(ctx, &rec); err != nil {
			return err
		}
		if d.Changed {
			if err := s.saveHistory(ctx, &rec, fhir.ActionUpdate); err != nil {
				return err
			}
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete applies the configured delete policy.
func (s *Service) Delete(ctx context.Context, resourceType, id string) error {
	if s.policy == DeleteHard {
		return s.Purge(ctx, resourceType, id)
	}
	return s.SoftDelete(ctx, resourceType, id)
}

// SoftDelete marks a record deleted and advances its version. Deleting an
// already deleted record is a no-op.
func (s *Service) SoftDelete(ctx context.Context, resourceType, id string) error {
	if err := validateIdentity(resourceType, id); err != nil {
		return err
	}
	return s.repo.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetForUpdate(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if existing.Status == StatusDeleted {
			return nil
		}

		rec := *existing
		var coerced bool
		rec.VersionID, coerced = fhir.IncrementVersion(existing.VersionID)
		rec.LastUpdated = fhir.AdvanceTimestamp(existing.LastUpdated, s.now())
		rec.Status = StatusDeleted
		if coerced {
			s.logCoerced(&rec, existing.VersionID)
		}

		if err := s.repo.Update(ctx, &rec); err != nil {
			return err
		}
		return s.saveHistory(ctx, &rec, fhir.ActionDelete)
	})
}

// Purge physically removes a record and all of its history.
func (s *Service) Purge(ctx context.Context, resourceType, id string) error {
	if err := validateIdentity(resourceType, id); err != nil {
		return err
	}
	return s.repo.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, resourceType, id); err != nil {
			return err
		}
		if s.history == nil {
			return nil
		}
		return s.history.DeleteVersions(ctx, resourceType, id)
	})
}

// SetStatus moves a record between active and inactive. The body does not
// change, so the version is kept and only lastUpdated advances.
func (s *Service) SetStatus(ctx context.Context, resourceType, id string, status Status) (*Record, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	if status != StatusActive && status != StatusInactive {
		return nil, fmt.Errorf("status %q: %w", status, fhir.ErrValidation)
	}

	var out *Record
	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetForUpdate(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if existing.Status == StatusDeleted {
			return fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, id), fhir.ErrNotFound)
		}
		if existing.Status == status {
			out = existing
			return nil
		}
		rec := *existing
		rec.Status = status
		rec.LastUpdated = fhir.AdvanceTimestamp(existing.LastUpdated, s.now())
		if err := s.repo.Update(ctx, &rec); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Search runs a parsed search and returns one page plus the total count.
func (s *Service) Search(ctx context.Context, req fhir.SearchRequest) ([]*Record, int, error) {
	if !resourceTypePattern.MatchString(req.ResourceType) {
		return nil, 0, fmt.Errorf("resource type %q: %w", req.ResourceType, fhir.ErrValidation)
	}
	for _, st := range req.Statuses {
		if !Status(st).Valid() {
			return nil, 0, fmt.Errorf("_status %q: %w", st, fhir.ErrValidation)
		}
	}
	return s.repo.Search(ctx, req)
}

// History lists the stored versions of a resource, newest first. Deleted
// resources keep their history.
func (s *Service) History(ctx context.Context, resourceType, id string, limit, offset int) ([]*fhir.HistoryEntry, int, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, 0, err
	}
	if _, err := s.repo.Get(ctx, resourceType, id); err != nil {
		return nil, 0, err
	}
	if s.history == nil {
		return nil, 0, nil
	}
	return s.history.ListVersions(ctx, resourceType, id, limit, offset)
}

// VRead returns one stored version. A version produced by a delete yields
// the entry together with ErrGone.
func (s *Service) VRead(ctx context.Context, resourceType, id, versionID string) (*fhir.HistoryEntry, error) {
	if err := validateIdentity(resourceType, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, fmt.Errorf("%s/_history/%s: %w", fhir.FormatReference(resourceType, id), versionID, fhir.ErrNotFound)
	}
	entry, err := s.history.GetVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if entry.Action == fhir.ActionDelete {
		return entry, fmt.Errorf("%s/_history/%s: %w", fhir.FormatReference(resourceType, id), versionID, fhir.ErrGone)
	}
	return entry, nil
}

// ResourceTypes lists the types that have at least one live record.
func (s *Service) ResourceTypes(ctx context.Context) ([]string, error) {
	return s.repo.ResourceTypes(ctx)
}

// Export visits the client view of every live record of a type.
func (s *Service) Export(ctx context.Context, resourceType string, fn func(map[string]interface{}) error) error {
	return s.repo.Stream(ctx, resourceType, func(rec *Record) error {
		return fn(rec.ToFHIR())
	})
}
