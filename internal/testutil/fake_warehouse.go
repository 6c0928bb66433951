package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
	"github.com/torn-tools/tornpipe/pkg/warehouse"
)

type fakeTable struct {
	schema schema.Schema
	rows   []*record.Object
}

// FakeWarehouse is an in-memory Warehouse for testing the load engine and
// pipeline without BigQuery. Failure knobs make individual operations fail.
type FakeWarehouse struct {
	mu     sync.Mutex
	tables map[string]*fakeTable

	// Failure knobs.
	FailAddColumns error
	FailMerge      error
	FailCount      error
	FailLoad       map[string]error

	// Dropped records the tables removed via DropTable.
	Dropped []string
}

// NewFakeWarehouse creates an empty fake warehouse.
func NewFakeWarehouse() *FakeWarehouse {
	return &FakeWarehouse{
		tables:   make(map[string]*fakeTable),
		FailLoad: make(map[string]error),
	}
}

// Rows returns the rows currently in a table.
func (f *FakeWarehouse) Rows(table string) []*record.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[table]; ok {
		return append([]*record.Object(nil), t.rows...)
	}
	return nil
}

// HasTable reports whether a table exists.
func (f *FakeWarehouse) HasTable(table string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tables[table]
	return ok
}

// Seed creates a table with the given schema and rows, bypassing the load
// path. Used to set up pre-existing tables.
func (f *FakeWarehouse) Seed(table string, s schema.Schema, rows ...*record.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = &fakeTable{schema: s, rows: rows}
}

func (f *FakeWarehouse) TableSchema(ctx context.Context, table string) (schema.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}
	return t.schema, nil
}

func (f *FakeWarehouse) CreateTable(ctx context.Context, table string, s schema.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[table]; ok {
		return fmt.Errorf("table %s already exists", table)
	}
	f.tables[table] = &fakeTable{schema: s}
	return nil
}

func (f *FakeWarehouse) AddColumns(ctx context.Context, table string, cols []schema.Column) error {
	if f.FailAddColumns != nil {
		return f.FailAddColumns
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}
	t.schema = t.schema.Merge(cols)
	return nil
}

func (f *FakeWarehouse) LoadRecords(ctx context.Context, table string, recs []*record.Object, s schema.Schema, mode warehouse.WriteMode, ignoreUnknown bool) error {
	if err := f.FailLoad[table]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}
	if mode == warehouse.WriteTruncate {
		t.rows = nil
	}
	for _, r := range recs {
		t.rows = append(t.rows, r.Clone())
	}
	return nil
}

func (f *FakeWarehouse) CountExistingKeys(ctx context.Context, target, staging, keyField string) (int64, error) {
	if f.FailCount != nil {
		return 0, f.FailCount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tgt, ok := f.tables[target]
	if !ok {
		return 0, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, target)
	}
	stg, ok := f.tables[staging]
	if !ok {
		return 0, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, staging)
	}

	existing := keySet(tgt.rows, keyField)
	counted := make(map[string]bool)
	var n int64
	for _, r := range stg.rows {
		if k, ok := keyOf(r, keyField); ok && existing[k] && !counted[k] {
			counted[k] = true
			n++
		}
	}
	return n, nil
}

func (f *FakeWarehouse) MergeUpsert(ctx context.Context, target, staging, keyField string, updateFields []string) error {
	if f.FailMerge != nil {
		return f.FailMerge
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tgt, ok := f.tables[target]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, target)
	}
	stg, ok := f.tables[staging]
	if !ok {
		return fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, staging)
	}

	index := make(map[string]int)
	for i, r := range tgt.rows {
		if k, ok := keyOf(r, keyField); ok {
			index[k] = i
		}
	}

	for _, src := range stg.rows {
		k, ok := keyOf(src, keyField)
		if !ok {
			continue
		}
		if i, matched := index[k]; matched {
			dst := tgt.rows[i]
			for _, field := range updateFields {
				if v, ok := src.Get(field); ok {
					dst.Set(field, v)
				}
			}
		} else {
			tgt.rows = append(tgt.rows, src.Clone())
			index[k] = len(tgt.rows) - 1
		}
	}
	return nil
}

func (f *FakeWarehouse) DropTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, table)
	f.Dropped = append(f.Dropped, table)
	return nil
}

func (f *FakeWarehouse) TableStats(ctx context.Context, table, keyField, stampField string) (*warehouse.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", warehouse.ErrTableNotFound, table)
	}

	stats := &warehouse.Stats{
		TotalRows:  int64(len(t.rows)),
		UniqueKeys: int64(len(keySet(t.rows, keyField))),
	}
	for _, r := range t.rows {
		v, ok := r.Get(stampField)
		if !ok || v.Kind() != record.KindString {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v.String())
		if err != nil {
			continue
		}
		if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}
	return stats, nil
}

func keyOf(r *record.Object, keyField string) (string, bool) {
	v, ok := r.Get(keyField)
	if !ok {
		return "", false
	}
	return v.KeyString()
}

func keySet(rows []*record.Object, keyField string) map[string]bool {
	set := make(map[string]bool)
	for _, r := range rows {
		if k, ok := keyOf(r, keyField); ok {
			set[k] = true
		}
	}
	return set
}
