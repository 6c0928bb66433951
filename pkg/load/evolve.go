package load

import (
	"context"
	"sort"

	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
)

// evolve detects top-level fields present in the batch but missing from the
// table, infers a column type from the first occurrence of each, and adds the
// new columns. Failures to add are recorded and the load continues; the
// returned schema reflects only the columns actually added.
func (e *Engine) evolve(ctx context.Context, table string, recs []*record.Object, current schema.Schema, report *Report) schema.Schema {
	samples := make(map[string]record.Value)
	for _, rec := range recs {
		for _, name := range rec.Keys() {
			if current.Has(name) {
				continue
			}
			if _, ok := samples[name]; ok {
				continue
			}
			v, _ := rec.Get(name)
			samples[name] = v
		}
	}
	if len(samples) == 0 {
		return current
	}

	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)
	report.NewFieldsDetected = names

	e.logger.Info().
		Str("table", table).
		Strs("fields", names).
		Msg("Detected new fields in batch")

	cols := make([]schema.Column, 0, len(names))
	for _, name := range names {
		cols = append(cols, schema.Infer(name, samples[name], e.logger))
	}

	if err := e.applyColumns(ctx, table, cols); err != nil {
		e.logger.Error().
			Err(err).
			Str("table", table).
			Strs("fields", names).
			Msg("Could not add new columns, their values will be dropped from this load")
		report.FieldsFailedToAdd = names
		return current
	}

	report.FieldsAdded = names
	fieldsAddedTotal.Add(float64(len(names)))
	return current.Merge(cols)
}

// applyColumns adds all columns in one call so the table never ends up with a
// partial slice of the detected fields.
func (e *Engine) applyColumns(ctx context.Context, table string, cols []schema.Column) error {
	return e.wh.AddColumns(ctx, table, cols)
}

// verifyFields re-reads the target schema after the load and records, per
// detected field, whether its column is now visible.
func (e *Engine) verifyFields(ctx context.Context, table string, report *Report) {
	current, err := e.wh.TableSchema(ctx, table)
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("table", table).
			Msg("Could not re-read schema to verify added columns")
		for _, name := range report.NewFieldsDetected {
			report.FieldVerification[name] = false
		}
		return
	}

	for _, name := range report.NewFieldsDetected {
		present := current.Has(name)
		report.FieldVerification[name] = present
		if !present {
			e.logger.Warn().
				Str("table", table).
				Str("field", name).
				Msg("Added column not yet visible in table schema")
		}
	}
}
