package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solana-validator-exporter/internal/collector"
	"solana-validator-exporter/internal/config"
	"solana-validator-exporter/internal/deriver"
	"solana-validator-exporter/internal/geo"
	"solana-validator-exporter/internal/logger"
	"solana-validator-exporter/internal/metrics"
	"solana-validator-exporter/internal/modules/system"
	"solana-validator-exporter/internal/rewards"
	"solana-validator-exporter/internal/scheduler"
	"solana-validator-exporter/internal/store"
	"solana-validator-exporter/pkg/solana"
)

const cacheRetryDelay = 100 * time.Millisecond

func newRunCmd(configPath *string) *cobra.Command {
	var listenAddress, cachePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the node and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.Server.ListenAddress = listenAddress
			}
			if cachePath != "" {
				cfg.Cache.Path = cachePath
			}
			defer logger.Sync()
			return runExporter(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listenAddress, "listen-address", "", "override server.listen_address")
	cmd.Flags().StringVar(&cachePath, "cache", "", "override cache.path")
	return cmd
}

// exporter wires the pipeline together and owns every long-lived resource.
type exporter struct {
	cfg       *config.Config
	clock     clockwork.Clock
	logger    *zap.SugaredLogger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *store.Store
	client    *solana.Client
	deriver   *deriver.Deriver
	publisher *metrics.Publisher
	scheduler *scheduler.Scheduler
	system    *system.Collector

	prunedEpoch uint64
}

func newExporter(cfg *config.Config, clock clockwork.Clock, log *zap.SugaredLogger) (*exporter, error) {
	e := &exporter{
		cfg:       cfg,
		clock:     clock,
		logger:    log,
		registry:  prometheus.NewRegistry(),
		publisher: metrics.NewPublisher(),
	}
	e.metrics = metrics.NewMetrics(e.registry)
	if err := e.registry.Register(e.publisher); err != nil {
		return nil, fmt.Errorf("register derived metrics: %w", err)
	}

	st, err := store.Open(cfg.Cache.Path, cfg.Cache.OpenTimeout)
	if err != nil {
		return nil, err
	}
	e.store = st

	e.system, err = system.NewCollector(e.metrics, cfg.Cache.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e.client = solana.NewClient(cfg.RPC.Endpoint, cfg.RPC.Timeout, cfg.RPC.MaxRetries)
	e.client.SetRetryConfig(solana.RetryConfig{
		MaxRetries:   cfg.RPC.MaxRetries,
		RetryBackoff: cfg.RPC.RetryBackoff,
	})
	e.client.SetObserver(e.observeRPC)

	// Left as a nil interface when geography is off.
	var resolver deriver.Resolver
	if cfg.Geo.Enabled {
		provider := geo.NewMaxMindProvider(cfg.Geo.Endpoint, cfg.Geo.AccountID, cfg.Geo.LicenseKey, cfg.Geo.Timeout)
		r := geo.NewResolver(provider, st, cfg.Geo.CacheTTL, clock, log.Named("geo"))
		r.OnResult(func(outcome string) {
			e.metrics.GeoLookups.WithLabelValues(outcome).Inc()
		})
		resolver = r
	}

	e.deriver = deriver.New(st, resolver, deriver.Config{
		StallSlotThreshold: cfg.Collector.StallSlotThreshold,
		GeoWorkers:         cfg.Collector.GeoWorkers,
		Whitelist:          cfg.Collector.VoteAccountWhitelist,
		CacheRetryDelay:    cacheRetryDelay,
		SkipRate:           cfg.Collector.EnableSkippedSlots,
	}, clock, e.metrics, log.Named("deriver"))

	if cfg.Rewards.Enabled {
		e.deriver.TrackRewards(rewards.NewTracker(e.client, st, rewards.Config{
			Lookback:        cfg.Rewards.LookbackEpochs,
			StakingAccounts: cfg.Rewards.StakingAccountWhitelist,
		}, clock, log.Named("rewards")))
	}

	c := collector.NewCollector(e.client, solana.Commitment(cfg.RPC.Commitment), clock, log.Named("collector"))
	c.SetBlockProduction(cfg.Collector.EnableSkippedSlots)

	e.scheduler = scheduler.New(c, e.deriver, e.publisher, scheduler.Config{
		PollInterval: cfg.Collector.PollInterval,
		CycleTimeout: cfg.Collector.CycleTimeout,
	}, clock, e.metrics, log.Named("scheduler"))
	e.scheduler.AfterCycle(e.afterCycle)

	return e, nil
}

func (e *exporter) observeRPC(method string, d time.Duration, err error) {
	e.metrics.RPCRequests.WithLabelValues(method).Inc()
	e.metrics.RPCLatency.WithLabelValues(method).Observe(d.Seconds())
	e.metrics.RPCInFlight.Set(float64(e.client.GetInflightRequests()))
	if err == nil {
		return
	}
	kind := "unknown"
	var rpcErr *solana.Error
	if errors.As(err, &rpcErr) {
		kind = rpcErr.Kind.String()
	}
	e.metrics.RPCErrors.WithLabelValues(method, kind).Inc()
}

// afterCycle runs on the cycle goroutine, so its cache writes never race
// with derivation.
func (e *exporter) afterCycle(ctx context.Context) {
	if err := e.system.Collect(ctx); err != nil {
		e.logger.Debugw("Process stats incomplete", "error", err)
	}

	e.pruneOnEpochChange()

	counts, err := e.store.Counts()
	if err != nil {
		e.logger.Warnw("Failed to count cache entries", "error", err)
		return
	}
	for namespace, n := range counts {
		e.metrics.CacheEntries.WithLabelValues(namespace).Set(float64(n))
	}
}

// pruneOnEpochChange drops epoch summaries and rewards past retention and
// long-expired geo entries once per epoch. Validator records are kept.
func (e *exporter) pruneOnEpochChange() {
	set := e.publisher.Current()
	if set == nil {
		return
	}
	v, ok := set.Get(metrics.ClusterEpoch)
	if !ok {
		return
	}
	epoch := uint64(v)
	if epoch == e.prunedEpoch {
		return
	}

	opts := store.PruneOptions{
		GeoResolvedBefore: e.clock.Now().Add(-e.cfg.Geo.Retention),
	}
	if epoch > e.cfg.Cache.EpochRetention {
		opts.MinEpoch = epoch - e.cfg.Cache.EpochRetention
	}
	stats, err := e.store.Prune(opts)
	if err != nil {
		e.logger.Warnw("Cache prune failed", "epoch", epoch, "error", err)
		return
	}
	e.prunedEpoch = epoch
	e.logger.Infow("Pruned cache",
		"epoch", epoch,
		"epoch_summaries", stats.Epochs,
		"rewards", stats.Rewards,
		"geo", stats.Geo)
}

type healthResponse struct {
	Status      string     `json:"status"`
	State       string     `json:"state"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	AgeSeconds  *float64   `json:"age_seconds,omitempty"`
}

// handleHealth always answers 200. Status is "starting" before the first
// published cycle and "stale" once three poll intervals pass without one.
func (e *exporter) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "starting",
		State:  e.scheduler.State().String(),
	}
	if last := e.scheduler.LastSuccess(); !last.IsZero() {
		age := e.clock.Since(last)
		seconds := age.Seconds()
		resp.LastSuccess = &last
		resp.AgeSeconds = &seconds
		resp.Status = "ok"
		if age > 3*e.cfg.Collector.PollInterval {
			resp.Status = "stale"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (e *exporter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", e.handleHealth)
	return mux
}

func (e *exporter) Close() error {
	e.deriver.Close()
	return e.store.Close()
}

func runExporter(ctx context.Context, cfg *config.Config) error {
	log := logger.Get()

	e, err := newExporter(cfg, clockwork.NewRealClock(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Errorw("Failed to close cache", "error", err)
		}
	}()

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      e.handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("Server started", "address", cfg.Server.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return e.scheduler.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Infow("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
