// Package load implements the incremental load engine: schema evolution,
// staging, and idempotent conditional upsert into a warehouse table.
package load

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/torn-tools/tornpipe/pkg/logging"
	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
	"github.com/torn-tools/tornpipe/pkg/warehouse"
)

// Prometheus metrics for load operations.
var (
	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_loads_total",
		Help: "Total load operations by mode and status",
	}, []string{"mode", "status"})

	recordsLoadedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_records_loaded_total",
		Help: "Total records loaded by table",
	}, []string{"table"})

	recordsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_records_skipped_total",
		Help: "Total records skipped due to validation failures",
	}, []string{"table"})

	fieldsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tornpipe_schema_fields_added_total",
		Help: "Total columns added to target tables by schema evolution",
	})
)

// Mode selects how records land in the target table.
type Mode string

const (
	// ModeReplace truncates the table and rewrites it from the batch.
	ModeReplace Mode = "replace"

	// ModeAppend stages the batch and merges it with a single conditional
	// upsert keyed on the natural key.
	ModeAppend Mode = "append"
)

// Report summarizes a load: row counts plus the schema-evolution outcome.
type Report struct {
	Inserted int
	Updated  int
	Total    int

	// Skipped counts records dropped by per-record validation.
	Skipped int

	NewFieldsDetected []string
	FieldsAdded       []string
	FieldsFailedToAdd []string

	// FieldVerification records, per detected field, whether the column was
	// actually visible in the target table after the load. A successful
	// add-column call does not guarantee immediate visibility everywhere.
	FieldVerification map[string]bool
}

// StagingError wraps a failure during staging or merge. The staging table is
// deliberately left in place for postmortem inspection and must be cleaned up
// manually.
type StagingError struct {
	StagingTable string
	Err          error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("load failed, staging table %s preserved for inspection: %v", e.StagingTable, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Engine reconciles the target schema and loads record batches. One Load call
// owns its staging table exclusively; concurrent loads of the same table must
// be serialized by the caller.
type Engine struct {
	wh       warehouse.Warehouse
	keyField string
	allowed  map[string]bool
	logger   zerolog.Logger

	mu      sync.Mutex
	created map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowedTables allow-lists pre-existing tables (by bare name) that the
// engine may evolve and write. Any other pre-existing table is refused.
func WithAllowedTables(names ...string) Option {
	return func(e *Engine) {
		for _, n := range names {
			e.allowed[n] = true
		}
	}
}

// WithKeyField overrides the natural-key field name (default "id").
func WithKeyField(name string) Option {
	return func(e *Engine) { e.keyField = name }
}

// New creates a load engine over the given warehouse.
func New(wh warehouse.Warehouse, opts ...Option) *Engine {
	e := &Engine{
		wh:       wh,
		keyField: "id",
		allowed:  make(map[string]bool),
		created:  make(map[string]bool),
		logger:   logging.NewLogger("load-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load reconciles the target schema, evolves it for previously-unseen fields,
// and lands the records in the given mode. Records failing validation are
// skipped and counted; the batch proceeds without them.
func (e *Engine) Load(ctx context.Context, table string, recs []*record.Object, base schema.Schema, mode Mode) (*Report, error) {
	report := &Report{FieldVerification: make(map[string]bool)}

	valid := e.validateRecords(table, recs, report)

	current, err := e.EnsureTable(ctx, table, base)
	if err != nil {
		loadsTotal.WithLabelValues(string(mode), "refused").Inc()
		return nil, err
	}

	if len(valid) == 0 {
		e.logger.Info().Str("table", table).Msg("No records to load")
		return report, nil
	}

	working := e.evolve(ctx, table, valid, current, report)

	// Fields that could not be added stay in the staged rows; the backend
	// drops them instead of failing the batch. A re-run after a manual
	// schema fix re-lands the data idempotently.
	ignoreUnknown := len(report.FieldsFailedToAdd) > 0

	switch mode {
	case ModeReplace:
		err = e.loadReplace(ctx, table, valid, working, ignoreUnknown, report)
	case ModeAppend:
		err = e.loadAppendMerge(ctx, table, valid, working, ignoreUnknown, report)
	default:
		return nil, fmt.Errorf("unknown storage mode %q, must be %q or %q", mode, ModeReplace, ModeAppend)
	}
	if err != nil {
		loadsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}

	if len(report.NewFieldsDetected) > 0 {
		e.verifyFields(ctx, table, report)
	}

	loadsTotal.WithLabelValues(string(mode), "success").Inc()
	recordsLoadedTotal.WithLabelValues(table).Add(float64(report.Total))
	return report, nil
}

// EnsureTable makes sure the target exists with at least the base schema and
// is safe to write: new tables are created, tables created by this engine or
// allow-listed by name are reconciled, and any other pre-existing table is
// refused so the pipeline never silently mutates unrelated tables.
func (e *Engine) EnsureTable(ctx context.Context, table string, base schema.Schema) (schema.Schema, error) {
	current, err := e.wh.TableSchema(ctx, table)
	if errors.Is(err, warehouse.ErrTableNotFound) {
		if err := e.wh.CreateTable(ctx, table, base); err != nil {
			return nil, err
		}
		e.markCreated(table)
		return base, nil
	}
	if err != nil {
		return nil, err
	}

	if !e.mayWrite(table) {
		return nil, &schema.IncompatibleError{
			Table:  table,
			Reason: "pre-existing table is not on the allow list; refusing to modify",
		}
	}

	// Reconcile base columns missing from the table before validating types.
	if missing := current.Diff(base.Names()); len(missing) > 0 {
		cols := columnsByName(base, missing)
		e.logger.Info().
			Str("table", table).
			Strs("columns", missing).
			Msg("Adding base schema columns missing from table")
		if err := e.wh.AddColumns(ctx, table, cols); err != nil {
			return nil, err
		}
		current = current.Merge(cols)
	}

	if err := current.ValidateCritical(table, base, e.keyField, record.StampField); err != nil {
		return nil, err
	}
	return current, nil
}

// validateRecords drops records missing the natural key. Validation failures
// are per-record: they are logged and counted, never fatal for the batch.
func (e *Engine) validateRecords(table string, recs []*record.Object, report *Report) []*record.Object {
	valid := make([]*record.Object, 0, len(recs))
	for _, rec := range recs {
		if err := rec.Validate(e.keyField); err != nil {
			e.logger.Error().
				Err(err).
				Str("table", table).
				Msg("Skipping invalid record")
			report.Skipped++
			recordsSkippedTotal.WithLabelValues(table).Inc()
			continue
		}
		valid = append(valid, rec)
	}
	return valid
}

func (e *Engine) loadReplace(ctx context.Context, table string, recs []*record.Object, s schema.Schema, ignoreUnknown bool, report *Report) error {
	e.logger.Info().
		Str("table", table).
		Int("records", len(recs)).
		Str("mode", string(ModeReplace)).
		Msg("Loading records")

	if err := e.wh.LoadRecords(ctx, table, recs, s, warehouse.WriteTruncate, ignoreUnknown); err != nil {
		return err
	}
	report.Inserted = len(recs)
	report.Total = len(recs)
	return nil
}

func (e *Engine) loadAppendMerge(ctx context.Context, table string, recs []*record.Object, s schema.Schema, ignoreUnknown bool, report *Report) error {
	staging := table + "_staging"

	if _, err := e.wh.TableSchema(ctx, staging); errors.Is(err, warehouse.ErrTableNotFound) {
		if err := e.wh.CreateTable(ctx, staging, s); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	e.logger.Info().
		Str("table", staging).
		Int("records", len(recs)).
		Msg("Loading records to staging table")

	if err := e.wh.LoadRecords(ctx, staging, recs, s, warehouse.WriteTruncate, ignoreUnknown); err != nil {
		e.logger.Warn().
			Str("staging_table", staging).
			Msg("Staging load failed; staging table preserved for inspection")
		return &StagingError{StagingTable: staging, Err: err}
	}

	total := len(recs)

	// Staged keys already in the target become updates; the remainder are
	// inserts. A failed count degrades to reporting everything as inserted.
	updated, err := e.wh.CountExistingKeys(ctx, table, staging, e.keyField)
	if err != nil {
		e.logger.Debug().
			Err(err).
			Str("table", table).
			Msg("Could not count existing keys, reporting all records as inserted")
		updated = 0
	}
	inserted := int64(total) - updated
	if inserted < 0 {
		inserted = 0
	}

	if err := e.wh.MergeUpsert(ctx, table, staging, e.keyField, e.updateFields(s)); err != nil {
		e.logger.Warn().
			Str("staging_table", staging).
			Msg("Merge failed; staging table preserved for inspection")
		return &StagingError{StagingTable: staging, Err: err}
	}

	if err := e.wh.DropTable(ctx, staging); err != nil {
		e.logger.Warn().
			Err(err).
			Str("staging_table", staging).
			Msg("Could not drop staging table after successful merge")
	}

	report.Inserted = int(inserted)
	report.Updated = int(updated)
	report.Total = total

	e.logger.Info().
		Str("table", table).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("total", report.Total).
		Msg("Merge completed")
	return nil
}

// updateFields lists the columns overwritten on a key match: everything
// except the natural key and the ingestion timestamp, so re-fetching an old
// record never clobbers its first-seen provenance.
func (e *Engine) updateFields(s schema.Schema) []string {
	var fields []string
	for _, name := range s.Names() {
		if name == e.keyField || name == record.StampField {
			continue
		}
		fields = append(fields, name)
	}
	return fields
}

func (e *Engine) markCreated(table string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created[table] = true
}

// mayWrite reports whether a pre-existing table is eligible for evolution and
// writes: either this engine created it, or its bare name is allow-listed.
func (e *Engine) mayWrite(table string) bool {
	e.mu.Lock()
	created := e.created[table]
	e.mu.Unlock()
	if created {
		return true
	}

	bare := table
	if i := strings.LastIndex(table, "."); i >= 0 {
		bare = table[i+1:]
	}
	return e.allowed[bare] || e.allowed[table]
}

func columnsByName(s schema.Schema, names []string) []schema.Column {
	cols := make([]schema.Column, 0, len(names))
	for _, n := range names {
		if c, ok := s.Column(n); ok {
			cols = append(cols, c)
		}
	}
	return cols
}
