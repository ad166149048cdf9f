package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const (
	FormatVersion = "1"
	ManifestFile  = "metadata.json"
	lockFile      = ".export.lock"
)

var ErrExportLocked = errors.New("another export holds the directory lock")

var resourceTypeRe = regexp.MustCompile(`^[A-Z][A-Za-z]{0,63}$`)

// Source is the read side of the store an export walks.
type Source interface {
	ResourceTypes(ctx context.Context) ([]string, error)
	Export(ctx context.Context, resourceType string, fn func(map[string]interface{}) error) error
}

type TypeCount struct {
	ResourceType string `json:"resourceType"`
	File         string `json:"file"`
	Count        int    `json:"count"`
}

// Manifest is written as metadata.json next to the NDJSON files.
type Manifest struct {
	FormatVersion string      `json:"formatVersion"`
	ExportedAt    time.Time   `json:"exportedAt"`
	Total         int         `json:"total"`
	Types         []TypeCount `json:"types"`
}

type Exporter struct {
	src         Source
	logger      zerolog.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

func NewExporter(src Source, logger zerolog.Logger) *Exporter {
	return &Exporter{
		src:         src,
		logger:      logger,
		lockTimeout: 3 * time.Second,
		now:         time.Now,
	}
}

// Export writes <Type>.ndjson for each requested type (all stored types when
// none are given) and a metadata.json manifest into dir. The directory is
// held under an exclusive file lock for the whole run. Files are written to
// a temporary name and renamed, so a failed export never leaves a truncated
// file behind under its final name.
func (e *Exporter) Export(ctx context.Context, dir string, types ...string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("acquire export lock: %w", err)
	}
	if !locked {
		return nil, ErrExportLocked
	}
	defer func() { _ = lock.Unlock() }()

	if len(types) == 0 {
		types, err = e.src.ResourceTypes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource types: %w", err)
		}
	}
	types = dedupeSorted(types)
	for _, rt := range types {
		if !resourceTypeRe.MatchString(rt) {
			return nil, fmt.Errorf("invalid resource type %q", rt)
		}
	}

	m := &Manifest{
		FormatVersion: FormatVersion,
		ExportedAt:    e.now().UTC(),
		Types:         make([]TypeCount, 0, len(types)),
	}
	for _, rt := range types {
		tc, err := e.exportType(ctx, dir, rt)
		if err != nil {
			return nil, err
		}
		m.Types = append(m.Types, tc)
		m.Total += tc.Count
		e.logger.Info().Str("resource_type", rt).Int("count", tc.Count).Msg("exported resource type")
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, ManifestFile), func(f *os.File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Exporter) exportType(ctx context.Context, dir, resourceType string) (TypeCount, error) {
	name := resourceType + ".ndjson"
	var count int
	err := writeAtomic(filepath.Join(dir, name), func(f *os.File) error {
		w := NewNDJSONWriter(f)
		err := e.src.Export(ctx, resourceType, func(r map[string]interface{}) error {
			return w.WriteResource(r)
		})
		if err != nil {
			return fmt.Errorf("export %s: %w", resourceType, err)
		}
		count = w.Count()
		return w.Flush()
	})
	if err != nil {
		return TypeCount{}, err
	}
	return TypeCount{ResourceType: resourceType, File: name, Count: count}, nil
}

func writeAtomic(path string, fill func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ReadManifest loads metadata.json from a previous export.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
