// Package warehouse defines the storage collaborator consumed by the load
// engine, plus its BigQuery implementation. The load engine only relies on
// the primitive operations declared here; everything warehouse-specific
// (SQL dialect, load formats, credentials) stays behind this interface.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
)

// ErrTableNotFound is returned by TableSchema for missing tables.
var ErrTableNotFound = errors.New("table not found")

// WriteMode selects the disposition for a bulk load.
type WriteMode string

const (
	// WriteTruncate replaces the table's contents.
	WriteTruncate WriteMode = "truncate"

	// WriteAppend appends to the table.
	WriteAppend WriteMode = "append"
)

// Stats summarizes a table after a load.
type Stats struct {
	TotalRows  int64
	UniqueKeys int64
	Oldest     time.Time
	Newest     time.Time
}

// Warehouse is the set of primitive storage operations the load engine
// consumes. Implementations must make AddColumns atomic for nullable columns
// and MergeUpsert a single atomic conditional upsert.
type Warehouse interface {
	// TableSchema returns the table's current column set, or an error
	// wrapping ErrTableNotFound.
	TableSchema(ctx context.Context, table string) (schema.Schema, error)

	// CreateTable creates a table with the given schema.
	CreateTable(ctx context.Context, table string, s schema.Schema) error

	// AddColumns appends nullable columns to an existing table.
	AddColumns(ctx context.Context, table string, cols []schema.Column) error

	// LoadRecords bulk-loads records. With ignoreUnknown set, fields not in
	// the schema are silently dropped by the backend instead of failing the
	// load.
	LoadRecords(ctx context.Context, table string, recs []*record.Object, s schema.Schema, mode WriteMode, ignoreUnknown bool) error

	// CountExistingKeys counts distinct staged keys already present in the
	// target table.
	CountExistingKeys(ctx context.Context, target, staging, keyField string) (int64, error)

	// MergeUpsert executes one atomic conditional upsert from staging into
	// target: matched rows have updateFields overwritten, unmatched rows are
	// inserted in full.
	MergeUpsert(ctx context.Context, target, staging, keyField string, updateFields []string) error

	// DropTable removes a table; missing tables are not an error.
	DropTable(ctx context.Context, table string) error

	// TableStats returns row counts and the ingestion-timestamp range.
	TableStats(ctx context.Context, table, keyField, stampField string) (*Stats, error)
}

// BuildMergeStatement renders the conditional-upsert SQL. Matched rows have
// updateFields overwritten; unmatched rows are inserted with insertFields.
// The natural key and ingestion timestamp are excluded from updateFields by
// the caller so a re-fetched record keeps its first-seen provenance.
func BuildMergeStatement(target, staging, keyField string, updateFields, insertFields []string) string {
	updateSet := make([]string, len(updateFields))
	for i, f := range updateFields {
		updateSet[i] = fmt.Sprintf("target.%s = source.%s", f, f)
	}

	insertValues := make([]string, len(insertFields))
	for i, f := range insertFields {
		insertValues[i] = "source." + f
	}

	return fmt.Sprintf(`MERGE %s AS target
USING %s AS source
ON target.%s = source.%s
WHEN MATCHED THEN
  UPDATE SET %s
WHEN NOT MATCHED THEN
  INSERT (%s)
  VALUES (%s)`,
		quoteTable(target),
		quoteTable(staging),
		keyField, keyField,
		strings.Join(updateSet, ", "),
		strings.Join(insertFields, ", "),
		strings.Join(insertValues, ", "))
}

func quoteTable(table string) string {
	return "`" + table + "`"
}
