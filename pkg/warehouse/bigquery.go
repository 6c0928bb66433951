package warehouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/torn-tools/tornpipe/pkg/logging"
	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
)

// BigQuery implements Warehouse on top of Google BigQuery. Bulk loads use
// newline-delimited JSON load jobs; the conditional upsert runs as a single
// MERGE statement.
type BigQuery struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	logger    zerolog.Logger
}

// NewBigQuery creates a BigQuery warehouse and ensures the dataset exists.
// An empty credentialsPath falls back to application default credentials.
func NewBigQuery(ctx context.Context, projectID, datasetID, credentialsPath string) (*BigQuery, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}

	b := &BigQuery{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
		logger:    logging.NewLogger("bigquery"),
	}

	if err := b.ensureDataset(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Close releases the underlying client.
func (b *BigQuery) Close() error {
	return b.client.Close()
}

func (b *BigQuery) ensureDataset(ctx context.Context) error {
	ds := b.client.Dataset(b.datasetID)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	}

	b.logger.Info().Str("dataset", b.datasetID).Msg("Creating dataset")
	err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: "US"})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create dataset %s: %w", b.datasetID, err)
	}
	return nil
}

// tableRef resolves a table name of the form project.dataset.table,
// dataset.table, or table against the configured project and dataset.
func (b *BigQuery) tableRef(table string) *bigquery.Table {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 3:
		return b.client.DatasetInProject(parts[0], parts[1]).Table(parts[2])
	case 2:
		return b.client.Dataset(parts[0]).Table(parts[1])
	default:
		return b.client.Dataset(b.datasetID).Table(table)
	}
}

// qualified returns the fully qualified project.dataset.table form used in
// query text.
func (b *BigQuery) qualified(table string) string {
	t := b.tableRef(table)
	return fmt.Sprintf("%s.%s.%s", t.ProjectID, t.DatasetID, t.TableID)
}

// TableSchema returns the table's column set.
func (b *BigQuery) TableSchema(ctx context.Context, table string) (schema.Schema, error) {
	md, err := b.tableRef(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return nil, fmt.Errorf("get table metadata for %s: %w", table, err)
	}
	return fromBigQuerySchema(md.Schema), nil
}

// CreateTable creates a table with the given schema.
func (b *BigQuery) CreateTable(ctx context.Context, table string, s schema.Schema) error {
	b.logger.Info().Str("table", table).Msg("Creating table")
	err := b.tableRef(table).Create(ctx, &bigquery.TableMetadata{
		Schema: toBigQuerySchema(s),
	})
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// AddColumns appends nullable columns to an existing table. The update is
// guarded by the metadata etag so a concurrent schema change fails instead of
// being overwritten.
func (b *BigQuery) AddColumns(ctx context.Context, table string, cols []schema.Column) error {
	t := b.tableRef(table)
	md, err := t.Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return fmt.Errorf("get table metadata for %s: %w", table, err)
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	b.logger.Info().
		Str("table", table).
		Strs("columns", names).
		Msg("Adding columns to table")

	update := bigquery.TableMetadataToUpdate{
		Schema: append(md.Schema, toBigQuerySchema(cols)...),
	}
	if _, err := t.Update(ctx, update, md.ETag); err != nil {
		return fmt.Errorf("update schema of %s: %w", table, err)
	}
	return nil
}

// LoadRecords bulk-loads records as a newline-delimited JSON load job.
func (b *BigQuery) LoadRecords(ctx context.Context, table string, recs []*record.Object, s schema.Schema, mode WriteMode, ignoreUnknown bool) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := rec.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", table, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	source := bigquery.NewReaderSource(&buf)
	source.SourceFormat = bigquery.JSON
	source.Schema = toBigQuerySchema(s)
	source.IgnoreUnknownValues = ignoreUnknown

	loader := b.tableRef(table).LoaderFrom(source)
	switch mode {
	case WriteTruncate:
		loader.WriteDisposition = bigquery.WriteTruncate
	case WriteAppend:
		loader.WriteDisposition = bigquery.WriteAppend
	default:
		return fmt.Errorf("unknown write mode %q", mode)
	}

	b.logger.Info().
		Str("table", table).
		Int("records", len(recs)).
		Str("mode", string(mode)).
		Msg("Starting load job")

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("start load job for %s: %w", table, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for load job for %s: %w", table, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("load job for %s failed: %w", table, err)
	}
	return nil
}

// CountExistingKeys counts distinct staged keys already present in the target.
func (b *BigQuery) CountExistingKeys(ctx context.Context, target, staging, keyField string) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(DISTINCT s.%s)
FROM %s s
INNER JOIN %s t ON s.%s = t.%s`,
		keyField,
		quoteTable(b.qualified(staging)),
		quoteTable(b.qualified(target)),
		keyField, keyField)

	it, err := b.client.Query(query).Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("count existing keys in %s: %w", target, err)
	}

	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		return 0, fmt.Errorf("read key count for %s: %w", target, err)
	}
	count, ok := row[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected key count type %T", row[0])
	}
	return count, nil
}

// MergeUpsert executes a single MERGE from staging into target. The insert
// column list comes from the staging table, which holds exactly the fields
// this load staged.
func (b *BigQuery) MergeUpsert(ctx context.Context, target, staging, keyField string, updateFields []string) error {
	stagingSchema, err := b.TableSchema(ctx, staging)
	if err != nil {
		return err
	}

	stmt := BuildMergeStatement(
		b.qualified(target), b.qualified(staging),
		keyField, updateFields, stagingSchema.Names())

	b.logger.Info().Str("table", target).Msg("Executing MERGE statement")
	b.logger.Debug().Str("sql", stmt).Msg("MERGE SQL")

	job, err := b.client.Query(stmt).Run(ctx)
	if err != nil {
		return fmt.Errorf("start merge into %s: %w", target, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for merge into %s: %w", target, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("merge into %s failed: %w", target, err)
	}
	return nil
}

// DropTable removes a table; a missing table is not an error.
func (b *BigQuery) DropTable(ctx context.Context, table string) error {
	if err := b.tableRef(table).Delete(ctx); err != nil && !isNotFound(err) {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// TableStats returns row counts and the ingestion-timestamp range.
func (b *BigQuery) TableStats(ctx context.Context, table, keyField, stampField string) (*Stats, error) {
	query := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT %s), MIN(%s), MAX(%s) FROM %s`,
		keyField, stampField, stampField, quoteTable(b.qualified(table)))

	it, err := b.client.Query(query).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query stats for %s: %w", table, err)
	}

	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		return nil, fmt.Errorf("read stats for %s: %w", table, err)
	}

	stats := &Stats{}
	if v, ok := row[0].(int64); ok {
		stats.TotalRows = v
	}
	if v, ok := row[1].(int64); ok {
		stats.UniqueKeys = v
	}
	if v, ok := row[2].(time.Time); ok {
		stats.Oldest = v
	}
	if v, ok := row[3].(time.Time); ok {
		stats.Newest = v
	}
	return stats, nil
}

func toBigQuerySchema(cols []schema.Column) bigquery.Schema {
	var s bigquery.Schema
	for _, c := range cols {
		field := &bigquery.FieldSchema{
			Name:     c.Name,
			Type:     mapKind(c.Type),
			Repeated: c.Repeated,
		}
		if c.Type == schema.KindStruct {
			field.Schema = toBigQuerySchema(c.Fields)
		}
		s = append(s, field)
	}
	return s
}

func mapKind(k schema.Kind) bigquery.FieldType {
	switch k {
	case schema.KindBool:
		return bigquery.BooleanFieldType
	case schema.KindInt:
		return bigquery.IntegerFieldType
	case schema.KindFloat:
		return bigquery.FloatFieldType
	case schema.KindTimestamp:
		return bigquery.TimestampFieldType
	case schema.KindStruct:
		return bigquery.RecordFieldType
	default:
		return bigquery.StringFieldType
	}
}

func fromBigQuerySchema(s bigquery.Schema) schema.Schema {
	var out schema.Schema
	for _, f := range s {
		col := schema.Column{
			Name:     f.Name,
			Type:     mapFieldType(f.Type),
			Repeated: f.Repeated,
		}
		if f.Type == bigquery.RecordFieldType {
			col.Fields = fromBigQuerySchema(f.Schema)
		}
		out = append(out, col)
	}
	return out
}

func mapFieldType(t bigquery.FieldType) schema.Kind {
	switch t {
	case bigquery.BooleanFieldType:
		return schema.KindBool
	case bigquery.IntegerFieldType:
		return schema.KindInt
	case bigquery.FloatFieldType, bigquery.NumericFieldType:
		return schema.KindFloat
	case bigquery.TimestampFieldType:
		return schema.KindTimestamp
	case bigquery.RecordFieldType:
		return schema.KindStruct
	default:
		return schema.KindString
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 409
}
