package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/semihalev/fdns/accesslist"
	"github.com/semihalev/fdns/cache"
	"github.com/semihalev/fdns/config"
	"github.com/semihalev/fdns/dnssec"
	"github.com/semihalev/fdns/logging"
	"github.com/semihalev/fdns/metrics"
	"github.com/semihalev/fdns/resolver"
	"github.com/semihalev/fdns/server"
	"github.com/semihalev/fdns/upstream"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "fdns",
		Short:         "Forwarding DNS resolver with caching and DNSSEC validation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, version)
			if err != nil {
				return fmt.Errorf("config loading failed: %w", err)
			}

			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultFile,
		"location of the config file, if config file not found, a config will generate")

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "fdns v"+version)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Load and validate the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := config.Load(cfgPath, version); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration ok\n", cfgPath)
				return nil
			},
		},
	)

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}

	log := logging.Default()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rec, err := metrics.NewPrometheus(reg)
	if err != nil {
		return err
	}

	r, err := newResolver(cfg, log, rec)
	if err != nil {
		return err
	}

	srv := server.New(cfg, r,
		server.WithLogger(log),
		server.WithMetrics(rec),
		server.WithAccessList(accesslist.New(cfg.AccessList, log)),
	)

	log.Info("Starting fdns...", "version", version, "upstreams", r.Servers(), "dnssec", cfg.DNSSEC, "cache", cfg.Cache)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics != "" {
		g.Go(func() error {
			log.Info("Metrics exporter listening...", "addr", cfg.Metrics)
			return metrics.Serve(gctx, cfg.Metrics, reg)
		})
	}

	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()

	log.Info("Stopping fdns...")

	return err
}

func newResolver(cfg *config.Config, log logging.Logger, rec metrics.Recorder) (*resolver.Resolver, error) {
	timeout := cfg.Timeout.Duration

	opts := []resolver.Option{
		resolver.WithLogger(log),
		resolver.WithMetrics(rec),
		resolver.WithExchanger(upstream.NewClient(timeout)),
	}

	if cfg.Cache {
		ttl := cache.AutoTTL
		if d := cfg.FixedCacheTTL(); d > 0 {
			ttl = cache.FixedTTL(d)
		}

		opts = append(opts, resolver.WithCache(
			cache.New(cfg.CacheSize, ttl, cache.WithLogger(log), cache.WithMetrics(rec)),
		))
	}

	if cfg.DNSSEC {
		servers, err := upstream.Normalize(cfg.Upstreams)
		if err != nil {
			return nil, err
		}

		keys := dnssec.NewUpstreamKeySource(servers, upstream.NewClient(timeout))
		opts = append(opts, resolver.WithValidator(
			dnssec.New(keys, dnssec.WithLogger(log), dnssec.WithMetrics(rec)),
		))
	}

	return resolver.New(cfg.Upstreams, timeout, opts...), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fdns:", err)
		stop()
		os.Exit(1)
	}
}
