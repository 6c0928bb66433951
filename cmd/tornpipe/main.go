package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/torn-tools/tornpipe/pkg/checkpoint"
	"github.com/torn-tools/tornpipe/pkg/config"
	"github.com/torn-tools/tornpipe/pkg/logging"
	"github.com/torn-tools/tornpipe/pkg/pipeline"
	"github.com/torn-tools/tornpipe/pkg/warehouse"
)

var (
	configPath  string
	endpoint    string
	schedule    bool
	logLevel    string
	pretty      bool
	metricsAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tornpipe",
		Short: "Fetch Torn City API data into BigQuery",
		Long: `tornpipe fetches paginated Torn City API endpoints under the API
rate limit and loads the records into BigQuery, evolving table schemas
as new fields appear and upserting idempotently on the natural key.`,
		RunE: run,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "config file path")
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "run a single endpoint by name")
	rootCmd.Flags().BoolVar(&schedule, "schedule", false, "keep running, scheduling each endpoint at its configured frequency")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&pretty, "pretty", false, "human-readable log output")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address, e.g. :9090")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logging.Setup(logging.Config{Level: logging.LogLevel(logLevel), Pretty: pretty})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logging.SetTimezone(loc)

	if endpoint != "" {
		filtered := cfg.Endpoints[:0]
		for _, ep := range cfg.Endpoints {
			if ep.Name == endpoint {
				filtered = append(filtered, ep)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("no endpoint named %q in config", endpoint)
		}
		cfg.Endpoints = filtered
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wh, err := warehouse.NewBigQuery(ctx, cfg.GCP.ProjectID, cfg.GCP.DatasetID, cfg.GCP.CredentialsPath)
	if err != nil {
		return err
	}
	defer wh.Close()

	var checkpoints pipeline.CheckpointStore
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		checkpoints = checkpoint.NewStore(redisClient)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Checkpoint store enabled")
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	p := pipeline.New(cfg, wh, checkpoints)

	if !schedule {
		return p.Run(ctx)
	}
	return runScheduled(ctx, cfg, p)
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct{}

func (cronLogger) Printf(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// newScheduler builds the cron runner. Triggers that fire while the previous
// run of the same endpoint is still in flight are skipped; two concurrent
// append loads of one table would race on its staging table.
func newScheduler() *cron.Cron {
	return cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(cronLogger{}))))
}

// runScheduled runs every endpoint once immediately, then keeps each on its
// configured frequency until the context is cancelled.
func runScheduled(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline) error {
	if err := p.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Initial run had failures")
	}

	c := newScheduler()
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		freq, err := ep.FrequencyDuration()
		if err != nil {
			return err
		}
		spec := fmt.Sprintf("@every %s", freq)
		_, err = c.AddFunc(spec, func() {
			if err := p.RunEndpoint(ctx, ep); err != nil {
				log.Error().Err(err).Str("endpoint", ep.Name).Msg("Scheduled run failed")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule endpoint %s: %w", ep.Name, err)
		}
		log.Info().Str("endpoint", ep.Name).Str("schedule", spec).Msg("Endpoint scheduled")
	}

	c.Start()
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
