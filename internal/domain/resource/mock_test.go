package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

type key struct{ rt, id string }

// mockRepo is an in-memory Repository. Records are copied in and out so
// callers cannot mutate stored state, and a failing InTx restores the
// snapshot taken when it started.
type mockRepo struct {
	records   map[key]*Record
	order     []key
	updateErr error
	lastReq   fhir.SearchRequest
	ctxCheck  bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{records: make(map[key]*Record)}
}

func cloneRecord(r *Record) *Record {
	out := *r
	raw, _ := json.Marshal(r.Resource)
	out.Resource = nil
	json.Unmarshal(raw, &out.Resource)
	out.SearchParams = fhir.SearchParams{}
	for k, v := range r.SearchParams {
		out.SearchParams[k] = v
	}
	out.Tags = append([]string{}, r.Tags...)
	return &out
}

func (m *mockRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make(map[key]*Record, len(m.records))
	for k, v := range m.records {
		snapshot[k] = cloneRecord(v)
	}
	order := append([]key{}, m.order...)
	if err := fn(ctx); err != nil {
		m.records = snapshot
		m.order = order
		return err
	}
	return nil
}

func (m *mockRepo) Insert(_ context.Context, r *Record) error {
	k := key{r.ResourceType, r.FHIRID}
	if _, ok := m.records[k]; ok {
		return fmt.Errorf("%s: %w", fhir.FormatReference(r.ResourceType, r.FHIRID), fhir.ErrIdentityConflict)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now()
	m.records[k] = cloneRecord(r)
	m.order = append(m.order, k)
	return nil
}

func (m *mockRepo) Get(ctx context.Context, rt, id string) (*Record, error) {
	if m.ctxCheck && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r, ok := m.records[key{rt, id}]
	if !ok {
		return nil, fmt.Errorf("%s: %w", fhir.FormatReference(rt, id), fhir.ErrNotFound)
	}
	return cloneRecord(r), nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, rt, id string) (*Record, error) {
	return m.Get(ctx, rt, id)
}

func (m *mockRepo) Update(_ context.Context, r *Record) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	k := key{r.ResourceType, r.FHIRID}
	if _, ok := m.records[k]; !ok {
		return fmt.Errorf("%s: %w", fhir.FormatReference(r.ResourceType, r.FHIRID), fhir.ErrNotFound)
	}
	m.records[k] = cloneRecord(r)
	return nil
}

func (m *mockRepo) Delete(_ context.Context, rt, id string) error {
	k := key{rt, id}
	if _, ok := m.records[k]; !ok {
		return fmt.Errorf("%s: %w", fhir.FormatReference(rt, id), fhir.ErrNotFound)
	}
	delete(m.records, k)
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Search honours resource type, status, _id and extracted parameters; the
// SQL rendering itself is covered in the fhir package.
func (m *mockRepo) Search(_ context.Context, req fhir.SearchRequest) ([]*Record, int, error) {
	m.lastReq = req
	statuses := req.Statuses
	if len(statuses) == 0 {
		statuses = []string{string(StatusActive)}
	}
	var matched []*Record
	for _, k := range m.order {
		r := m.records[k]
		if r.ResourceType != req.ResourceType || !contains(statuses, string(r.Status)) {
			continue
		}
		if len(req.IDs) > 0 && !contains(req.IDs, r.FHIRID) {
			continue
		}
		ok := true
		for param, values := range req.Params {
			v, _ := r.SearchParams[param].(string)
			if !contains(values, v) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, cloneRecord(r))
		}
	}
	total := len(matched)
	if req.Offset >= total {
		return nil, total, nil
	}
	end := req.Offset + req.Count
	if end > total {
		end = total
	}
	return matched[req.Offset:end], total, nil
}

func (m *mockRepo) ResourceTypes(_ context.Context) ([]string, error) {
	seen := map[string]bool{}
	var types []string
	for k, r := range m.records {
		if r.Status != StatusDeleted && !seen[k.rt] {
			seen[k.rt] = true
			types = append(types, k.rt)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (m *mockRepo) Stream(_ context.Context, rt string, fn func(*Record) error) error {
	for _, k := range m.order {
		r := m.records[k]
		if k.rt != rt || r.Status == StatusDeleted {
			continue
		}
		if err := fn(cloneRecord(r)); err != nil {
			return err
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type mockHistory struct {
	entries []*fhir.HistoryEntry
}

func (m *mockHistory) SaveVersion(_ context.Context, e *fhir.HistoryEntry) error {
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockHistory) GetVersion(_ context.Context, rt, id, vid string) (*fhir.HistoryEntry, error) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.ResourceType == rt && e.ResourceID == id && e.VersionID == vid {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%s/_history/%s: %w", fhir.FormatReference(rt, id), vid, fhir.ErrNotFound)
}

func (m *mockHistory) ListVersions(_ context.Context, rt, id string, limit, offset int) ([]*fhir.HistoryEntry, int, error) {
	var all []*fhir.HistoryEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.ResourceType == rt && e.ResourceID == id {
			all = append(all, e)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockHistory) DeleteVersions(_ context.Context, rt, id string) error {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.ResourceType != rt || e.ResourceID != id {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *mockHistory) versions(rt, id string) []string {
	var out []string
	for _, e := range m.entries {
		if e.ResourceType == rt && e.ResourceID == id {
			out = append(out, e.VersionID+":"+e.Action)
		}
	}
	return out
}

// fixedClock returns a clock that advances by one second per call.
func fixedClock() func() time.Time {
	t := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestService() (*Service, *mockRepo, *mockHistory) {
	repo := newMockRepo()
	hist := &mockHistory{}
	svc := NewService(repo, hist, fhir.NewDefaultRegistry(), zerolog.Nop())
	svc.now = fixedClock()
	return svc, repo, hist
}
