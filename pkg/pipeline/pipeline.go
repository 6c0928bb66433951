// Package pipeline orchestrates one fetch-and-load cycle per configured
// endpoint: rate-limited paginated fetch, ingestion stamping, schema
// evolution, and the warehouse load.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/torn-tools/tornpipe/pkg/client"
	"github.com/torn-tools/tornpipe/pkg/config"
	"github.com/torn-tools/tornpipe/pkg/load"
	"github.com/torn-tools/tornpipe/pkg/logging"
	"github.com/torn-tools/tornpipe/pkg/record"
	"github.com/torn-tools/tornpipe/pkg/schema"
	"github.com/torn-tools/tornpipe/pkg/warehouse"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_pipeline_runs_total",
		Help: "Total pipeline runs by endpoint and status",
	}, []string{"endpoint", "status"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tornpipe_pipeline_run_duration_seconds",
		Help:    "Pipeline run duration in seconds by endpoint",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"endpoint"})

	recordsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tornpipe_pipeline_records_fetched_total",
		Help: "Total records fetched by endpoint",
	}, []string{"endpoint"})
)

// windowFactor sizes the time window relative to the run frequency so
// adjacent windows overlap and no records fall between runs.
const windowFactor = 1.5

// CheckpointStore persists the completion time of the last successful run
// per endpoint. checkpoint.Store is the redis-backed implementation.
type CheckpointStore interface {
	LastSuccess(ctx context.Context, endpoint string) (time.Time, bool, error)
	SetLastSuccess(ctx context.Context, endpoint string, ts time.Time) error
}

// Pipeline runs fetch-and-load cycles for the configured endpoints.
type Pipeline struct {
	cfg         *config.Config
	wh          warehouse.Warehouse
	checkpoints CheckpointStore
	logger      zerolog.Logger

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a pipeline. The checkpoint store may be nil, in which case
// windowed endpoints always use the configured lookback.
func New(cfg *config.Config, wh warehouse.Warehouse, checkpoints CheckpointStore) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		wh:          wh,
		checkpoints: checkpoints,
		logger:      logging.NewLogger("pipeline"),
		now:         time.Now,
	}
}

// Run executes one cycle for every configured endpoint. A failing endpoint
// does not stop the others; all failures are joined into the returned error.
func (p *Pipeline) Run(ctx context.Context) error {
	var errs []error
	for i := range p.cfg.Endpoints {
		ep := &p.cfg.Endpoints[i]
		if err := p.RunEndpoint(ctx, ep); err != nil {
			p.logger.Error().
				Err(err).
				Str("endpoint", ep.Name).
				Msg("Endpoint run failed")
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.Name, err))
		}
	}
	return errors.Join(errs...)
}

// RunEndpoint executes one fetch-and-load cycle for a single endpoint.
func (p *Pipeline) RunEndpoint(ctx context.Context, ep *config.Endpoint) error {
	start := p.now()
	defer func() {
		runDuration.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())
	}()

	p.logger.Info().
		Str("endpoint", ep.Name).
		Str("table", ep.Table).
		Str("mode", ep.StorageMode).
		Msg("Starting endpoint run")

	path, params, err := splitEndpointURL(ep.URL)
	if err != nil {
		runsTotal.WithLabelValues(ep.Name, "error").Inc()
		return err
	}

	if ep.UseTimeWindows {
		from, err := p.windowStart(ctx, ep, start)
		if err != nil {
			return err
		}
		params.Set("from", fmt.Sprintf("%d", from.Unix()))
		p.logger.Info().
			Str("endpoint", ep.Name).
			Time("from", from).
			Msg("Using time window")
	}

	api, err := client.New(client.Config{
		APIKey:     ep.APIKey,
		BaseURL:    baseOf(ep.URL),
		RateLimit:  ep.RateLimit,
		Timeout:    ep.Timeout,
		MaxRetries: ep.MaxRetries,
		RetryDelay: ep.RetryDelay,
	})
	if err != nil {
		return err
	}

	recs, err := api.FetchAll(ctx, path, params)
	if err != nil {
		runsTotal.WithLabelValues(ep.Name, "error").Inc()
		return fmt.Errorf("fetch: %w", err)
	}
	recordsFetchedTotal.WithLabelValues(ep.Name).Add(float64(len(recs)))

	keyField := "id"
	if len(recs) > 0 {
		if kf, ok := recs[0].NaturalKeyField(); ok {
			keyField = kf
		}
	}

	base, err := p.baseSchema(ep, recs, keyField)
	if err != nil {
		runsTotal.WithLabelValues(ep.Name, "error").Inc()
		return err
	}

	engine := load.New(p.wh,
		load.WithKeyField(keyField),
		load.WithAllowedTables(p.cfg.AllowedTables...))

	if len(recs) == 0 {
		// Nothing fetched, but the table is still ensured so downstream
		// consumers can rely on it existing after the first run.
		p.logger.Info().Str("endpoint", ep.Name).Msg("No records fetched")
		if _, err := engine.EnsureTable(ctx, ep.Table, base); err != nil {
			runsTotal.WithLabelValues(ep.Name, "error").Inc()
			return err
		}
		runsTotal.WithLabelValues(ep.Name, "success").Inc()
		return p.recordCheckpoint(ctx, ep, start)
	}

	stamped := make([]*record.Object, len(recs))
	for i, r := range recs {
		stamped[i] = r.Stamp(start)
	}

	report, err := engine.Load(ctx, ep.Table, stamped, base, load.Mode(ep.StorageMode))
	if err != nil {
		runsTotal.WithLabelValues(ep.Name, "error").Inc()
		return fmt.Errorf("load: %w", err)
	}

	p.logReport(ctx, ep, report, keyField)
	runsTotal.WithLabelValues(ep.Name, "success").Inc()
	return p.recordCheckpoint(ctx, ep, start)
}

// windowStart computes the lower bound of a windowed fetch: now minus 1.5x
// the run frequency, widened back to the recorded checkpoint when the last
// successful run is older than that. Records arriving while the pipeline was
// down are then still covered by the next window.
func (p *Pipeline) windowStart(ctx context.Context, ep *config.Endpoint, now time.Time) (time.Time, error) {
	freq, err := ep.FrequencyDuration()
	if err != nil {
		return time.Time{}, err
	}
	from := now.Add(-time.Duration(float64(freq) * windowFactor))

	if p.checkpoints == nil {
		return from, nil
	}

	mark, ok, err := p.checkpoints.LastSuccess(ctx, ep.Name)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("endpoint", ep.Name).
			Msg("Could not read checkpoint, falling back to configured lookback")
		return from, nil
	}
	if ok && mark.Before(from) {
		p.logger.Info().
			Str("endpoint", ep.Name).
			Time("checkpoint", mark).
			Msg("Widening window to last successful run")
		return mark, nil
	}
	return from, nil
}

func (p *Pipeline) recordCheckpoint(ctx context.Context, ep *config.Endpoint, ts time.Time) error {
	if p.checkpoints == nil {
		return nil
	}
	if err := p.checkpoints.SetLastSuccess(ctx, ep.Name, ts); err != nil {
		// A lost checkpoint only widens the next window; not fatal.
		p.logger.Warn().
			Err(err).
			Str("endpoint", ep.Name).
			Msg("Could not record checkpoint")
	}
	return nil
}

// baseSchema resolves the table's base schema: a schema file named after the
// bare table name wins, otherwise the schema is inferred from the first
// fetched record plus the ingestion timestamp.
func (p *Pipeline) baseSchema(ep *config.Endpoint, recs []*record.Object, keyField string) (schema.Schema, error) {
	file := filepath.Join(p.cfg.SchemaDir, bareTable(ep.Table)+".json")
	if _, err := os.Stat(file); err == nil {
		s, err := schema.LoadFile(file)
		if err != nil {
			return nil, fmt.Errorf("load schema file %s: %w", file, err)
		}
		p.logger.Info().
			Str("endpoint", ep.Name).
			Str("file", file).
			Msg("Loaded base schema from file")
		return ensureStampColumn(s), nil
	}

	if len(recs) == 0 {
		// Minimal schema until real data arrives.
		return schema.Schema{
			{Name: keyField, Type: schema.KindInt},
			{Name: record.StampField, Type: schema.KindTimestamp},
		}, nil
	}

	first := recs[0]
	var s schema.Schema
	for _, name := range first.Keys() {
		v, _ := first.Get(name)
		s = append(s, schema.Infer(name, v, p.logger))
	}
	return ensureStampColumn(s), nil
}

func ensureStampColumn(s schema.Schema) schema.Schema {
	if s.Has(record.StampField) {
		return s
	}
	return s.Merge([]schema.Column{{Name: record.StampField, Type: schema.KindTimestamp}})
}

func (p *Pipeline) logReport(ctx context.Context, ep *config.Endpoint, report *load.Report, keyField string) {
	ev := p.logger.Info().
		Str("endpoint", ep.Name).
		Str("table", ep.Table).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("total", report.Total).
		Int("skipped", report.Skipped)
	if len(report.NewFieldsDetected) > 0 {
		ev = ev.
			Strs("fields_detected", report.NewFieldsDetected).
			Strs("fields_added", report.FieldsAdded).
			Strs("fields_failed", report.FieldsFailedToAdd)
	}
	ev.Msg("Load completed")

	stats, err := p.wh.TableStats(ctx, ep.Table, keyField, record.StampField)
	if err != nil {
		p.logger.Debug().
			Err(err).
			Str("table", ep.Table).
			Msg("Could not query table stats")
		return
	}
	p.logger.Info().
		Str("table", ep.Table).
		Int64("total_rows", stats.TotalRows).
		Int64("unique_keys", stats.UniqueKeys).
		Time("oldest", stats.Oldest).
		Time("newest", stats.Newest).
		Msg("Table stats")
}

// splitEndpointURL separates a configured endpoint URL into the request path
// and its static query parameters.
func splitEndpointURL(raw string) (string, url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("parse endpoint url %q: %w", raw, err)
	}
	return u.Path, u.Query(), nil
}

// baseOf extracts the scheme://host portion of an endpoint URL.
func baseOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return client.DefaultBaseURL
	}
	return u.Scheme + "://" + u.Host
}

func bareTable(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}
