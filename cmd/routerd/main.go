package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"btcrouter/classify"
	"btcrouter/config"
	"btcrouter/metrics"
	"btcrouter/observability/logging"
	telemetry "btcrouter/observability/otel"
	"btcrouter/p2p"
	"btcrouter/p2p/seeds"
)

const envVar = "ROUTER_ENV"

func main() {
	root := &cobra.Command{
		Use:           "routerd",
		Short:         "Bitcoin network crawler and peer classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), snapshotCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "routerd:", err)
		os.Exit(1)
	}
}

// runOverrides are the config fields exposed as flags. A set flag wins over
// the file value.
type runOverrides struct {
	seeds       []string
	maxSessions int64
	metricsAddr string
}

func runCmd() *cobra.Command {
	var configFile string
	var overrides runOverrides
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the network until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile, overrides)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "./router.toml", "Path to the configuration file")
	cmd.Flags().StringSliceVar(&overrides.seeds, "seeds", nil, "DNS seed hosts, overriding the configuration")
	cmd.Flags().Int64Var(&overrides.maxSessions, "max-peers", 0, "Concurrent session cap, overriding the configuration")
	cmd.Flags().StringVar(&overrides.metricsAddr, "metrics-addr", "", "Metrics listen address, overriding the configuration")
	return cmd
}

func run(parent context.Context, configFile string, overrides runOverrides) error {
	env := strings.TrimSpace(os.Getenv(envVar))

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(overrides.seeds) > 0 {
		cfg.DNSSeeds = overrides.seeds
	}
	if overrides.maxSessions > 0 {
		cfg.MaxSessions = overrides.maxSessions
	}
	if overrides.metricsAddr != "" {
		cfg.MetricsAddress = overrides.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.SetupWithRotation("routerd", env, cfg.LogFile, cfg.LogMaxSizeMB)
	logger.Info("starting router",
		"config", configFile,
		"network", cfg.NetworkName,
		"max_sessions", cfg.MaxSessions)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecureExport := strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")), "true")
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "routerd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    insecureExport,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	met := metrics.New()
	exporter := metrics.NewExporter(met)

	dir, err := p2p.OpenDirectory(filepath.Join(cfg.DataDir, "peers"), p2p.DirectoryConfig{})
	if err != nil {
		return err
	}
	defer dir.Close()

	cls := classify.NewRegistry(classify.WithChangeHook(
		func(addr string, from, to classify.Label) {
			logger.Info("peer reclassified", "peer", addr, "from", string(from), "to", string(to))
		}))

	exporter.Mount("/peers", p2p.DirectoryHandler(dir, cls))

	// An unobservable router is useless; a bind failure aborts startup.
	exporterErr := make(chan error, 1)
	go func() {
		exporterErr <- exporter.Serve(ctx, cfg.MetricsAddress)
	}()

	if err := bootstrap(ctx, cfg, dir, logger); err != nil {
		return err
	}
	met.DirectorySize.Set(float64(dir.Len()))

	sv := p2p.NewSupervisor(dir, cls, met, p2p.SupervisorConfig{
		MaxSessions:     cfg.MaxSessions,
		RefillInterval:  time.Duration(cfg.RefillIntervalSeconds) * time.Second,
		GetAddrInterval: time.Duration(cfg.GetAddrIntervalSeconds) * time.Second,
		Logger:          logger,
		Session: p2p.SessionConfig{
			UserAgent:         cfg.UserAgent,
			DialTimeout:       time.Duration(cfg.DialTimeoutSeconds) * time.Second,
			HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
			KeepAliveInterval: time.Duration(cfg.KeepAliveIntervalSeconds) * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		},
	})

	done := make(chan struct{})
	go func() {
		sv.Run(ctx)
		close(done)
	}()

	select {
	case err := <-exporterErr:
		if err != nil {
			stop()
			<-done
			return fmt.Errorf("metrics exporter: %w", err)
		}
		<-done
	case <-done:
	}
	logger.Info("router stopped")
	return nil
}

// bootstrap seeds the directory from static peers and, when those leave it
// empty, from the DNS seeders.
func bootstrap(ctx context.Context, cfg *config.Config, dir *p2p.Directory, logger *slog.Logger) error {
	for _, peer := range cfg.StaticPeers {
		if _, err := dir.AddCandidate(peer, p2p.SourceConfig); err != nil {
			return fmt.Errorf("static peer: %w", err)
		}
	}
	if dir.Len() > 0 {
		logger.Info("directory bootstrapped", "peers", dir.Len())
		return nil
	}
	resolver := &seeds.DNSResolver{}
	addrs, err := resolver.Resolve(ctx, cfg.DNSSeeds, cfg.SeedPort)
	if err != nil {
		return fmt.Errorf("seed directory: %w", err)
	}
	added := 0
	for _, addr := range addrs {
		isNew, err := dir.AddCandidate(addr, p2p.SourceSeed)
		if err != nil {
			logger.Warn("seed address rejected", "addr", addr, "error", err)
			continue
		}
		if isNew {
			added++
		}
	}
	logger.Info("directory bootstrapped", "seeded", added)
	return nil
}

func snapshotCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current metrics of a running router",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return snapshot(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "metrics-addr", "127.0.0.1:9330", "Metrics address of the running router")
	return cmd
}

func snapshot(ctx context.Context, out io.Writer, addr string) error {
	url := fmt.Sprintf("http://%s/metrics", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
