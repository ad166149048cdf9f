package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type resourceRepoPG struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewRepoPG(pool *pgxpool.Pool, logger zerolog.Logger) Repository {
	return &resourceRepoPG{pool: pool, logger: logger}
}

func (r *resourceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *resourceRepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

const resCols = `id, resource_type, fhir_id, version_id, last_updated, status,
	resource, search_params, tags, created_at`

func (r *resourceRepoPG) scanRow(row pgx.Row) (*Record, error) {
	var (
		rec          Record
		status       string
		body, params []byte
	)
	err := row.Scan(&rec.ID, &rec.ResourceType, &rec.FHIRID, &rec.VersionID, &rec.LastUpdated, &status,
		&body, &params, &rec.Tags, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if err := json.Unmarshal(body, &rec.Resource); err != nil {
		return nil, fmt.Errorf("decode resource body: %w", err)
	}
	rec.SearchParams = fhir.SearchParams{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.SearchParams); err != nil {
			return nil, fmt.Errorf("decode search params: %w", err)
		}
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	return &rec, nil
}

func (r *resourceRepoPG) getOne(ctx context.Context, query, resourceType, fhirID string) (*Record, error) {
	rec, err := r.scanRow(r.conn(ctx).QueryRow(ctx, query, resourceType, fhirID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, fhirID), fhir.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", fhir.FormatReference(resourceType, fhirID), err)
	}
	return rec, nil
}

func encodeDocuments(rec *Record) (body, params []byte, err error) {
	if body, err = json.Marshal(rec.Resource); err != nil {
		return nil, nil, fmt.Errorf("encode resource body: %w", err)
	}
	if params, err = json.Marshal(rec.SearchParams); err != nil {
		return nil, nil, fmt.Errorf("encode search params: %w", err)
	}
	return body, params, nil
}

func (r *resourceRepoPG) Insert(ctx context.Context, rec *Record) error {
	body, params, err := encodeDocuments(rec)
	if err != nil {
		return err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fhir_resource (id, resource_type, fhir_id, version_id, last_updated, status,
			resource, search_params, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		rec.ID, rec.ResourceType, rec.FHIRID, rec.VersionID, rec.LastUpdated, string(rec.Status),
		body, params, rec.Tags).Scan(&rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", fhir.FormatReference(rec.ResourceType, rec.FHIRID), fhir.ErrIdentityConflict)
		}
		return fmt.Errorf("insert %s: %w", fhir.FormatReference(rec.ResourceType, rec.FHIRID), err)
	}
	return nil
}

func (r *resourceRepoPG) Get(ctx context.Context, resourceType, fhirID string) (*Record, error) {
	return r.getOne(ctx, `SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2`, resourceType, fhirID)
}

func (r *resourceRepoPG) GetForUpdate(ctx context.Context, resourceType, fhirID string) (*Record, error) {
	return r.getOne(ctx, `SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND fhir_id = $2 FOR UPDATE`, resourceType, fhirID)
}

func (r *resourceRepoPG) Update(ctx context.Context, rec *Record) error {
	body, params, err := encodeDocuments(rec)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE fhir_resource SET version_id=$3, last_updated=$4, status=$5,
			resource=$6, search_params=$7, tags=$8
		WHERE resource_type = $1 AND fhir_id = $2`,
		rec.ResourceType, rec.FHIRID, rec.VersionID, rec.LastUpdated, string(rec.Status),
		body, params, rec.Tags)
	if err != nil {
		return fmt.Errorf("update %s: %w", fhir.FormatReference(rec.ResourceType, rec.FHIRID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fhir.FormatReference(rec.ResourceType, rec.FHIRID), fhir.ErrNotFound)
	}
	return nil
}

func (r *resourceRepoPG) Delete(ctx context.Context, resourceType, fhirID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM fhir_resource WHERE resource_type = $1 AND fhir_id = $2`, resourceType, fhirID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", fhir.FormatReference(resourceType, fhirID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fhir.FormatReference(resourceType, fhirID), fhir.ErrNotFound)
	}
	return nil
}

func (r *resourceRepoPG) Search(ctx context.Context, req fhir.SearchRequest) ([]*Record, int, error) {
	q := fhir.NewSearchQuery(fhir.ResourceTable, resCols)
	q.Apply(req)

	r.logger.Debug().
		Str("resource_type", req.ResourceType).
		Str("where", q.Where()).
		Msg("resource search")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", req.ResourceType, err)
	}

	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(req.Count, req.Offset), q.DataArgs(req.Count, req.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", req.ResourceType, err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *resourceRepoPG) ResourceTypes(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT resource_type FROM fhir_resource
		WHERE status <> 'deleted' ORDER BY resource_type`)
	if err != nil {
		return nil, fmt.Errorf("list resource types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (r *resourceRepoPG) Stream(ctx context.Context, resourceType string, fn func(*Record) error) error {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resCols+` FROM fhir_resource
		WHERE resource_type = $1 AND status <> 'deleted' ORDER BY fhir_id`, resourceType)
	if err != nil {
		return fmt.Errorf("stream %s: %w", resourceType, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
