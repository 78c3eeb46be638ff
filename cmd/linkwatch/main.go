// linkwatch checks connection settings, opens monitored connections and
// watches files for changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/linkwatch/internal/config"
	"github.com/tunnelmesh/linkwatch/internal/connection"
	"github.com/tunnelmesh/linkwatch/internal/hub"
	"github.com/tunnelmesh/linkwatch/internal/metrics"
	"github.com/tunnelmesh/linkwatch/internal/validation"
	"github.com/tunnelmesh/linkwatch/internal/watch"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile       string
	logLevel      string
	metricsListen string
)

// collectInterval is how often connection counts are sampled for metrics.
const collectInterval = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "linkwatch",
		Short: "linkwatch - validated connections and file change notifications",
		Long: `linkwatch validates connection settings, opens monitored TCP or WebSocket
connections and reports file changes to subscribers.

Examples:
  # Check a config file before using it
  linkwatch validate -c linkwatch.yaml

  # Connect to the configured target, or to the given URLs
  linkwatch connect -c linkwatch.yaml ws://relay.example.com/stream

  # Watch files and log changes and growth
  linkwatch watch /var/log/app.log`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	connectCmd := &cobra.Command{
		Use:   "connect [url...]",
		Short: "Connect to the configured target or the given URLs",
		RunE:  runConnect,
	}
	rootCmd.AddCommand(connectCmd)

	watchCmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Watch files and report changes",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "linkwatch %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads --config, or returns defaults when none is given. The
// config's log level applies unless --log-level was set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	setupLogging()

	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") {
		config.ApplyLogLevel(cfg.LogLevel)
	}
	return cfg, nil
}

var (
	metricsOnce sync.Once
	appMetrics  *metrics.Metrics
)

func getMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		appMetrics = metrics.New(metrics.DefaultNamespace, Version)
	})
	return appMetrics
}

func metricsAddr(cfg *config.Config) string {
	if metricsListen != "" {
		return metricsListen
	}
	if cfg.Metrics.Enabled {
		return cfg.Metrics.Listen
	}
	return ""
}

// serveMetrics exposes the metrics registry until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("listen", addr).Msg("metrics server error")
		}
	}()
	log.Info().Str("listen", addr).Msg("serving metrics")
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	chain := validation.ConnectChain(validation.WithRecorder(getMetrics()))
	if err := chain.Check(cfg.Record()); err != nil {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "REJECTED %v\n", err)
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}

// target is one validated connection to open.
type target struct {
	name     string
	endpoint connection.Endpoint
}

// resolveTargets validates each URL (or the configured target when urls is
// empty) with the connect chain and parses its endpoint.
func resolveTargets(cfg *config.Config, urls []string, chain *validation.Chain) ([]target, error) {
	if len(urls) == 0 {
		urls = []string{cfg.Target.URL}
	}

	targets := make([]target, 0, len(urls))
	for i, u := range urls {
		c := *cfg
		c.Target.URL = u
		if err := chain.Check(c.Record()); err != nil {
			return nil, fmt.Errorf("target %q rejected: %w", u, err)
		}
		ep, err := c.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", u, err)
		}

		name := cfg.Name
		if len(urls) > 1 {
			name = fmt.Sprintf("%s-%d", cfg.Name, i+1)
		}
		targets = append(targets, target{name: name, endpoint: ep})
	}
	return targets, nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	m := getMetrics()
	targets, err := resolveTargets(cfg, args, validation.ConnectChain(validation.WithRecorder(m)))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveMetrics(ctx, metricsAddr(cfg))

	// The timeout bounds each dial; ctx only carries a user interrupt.
	mgr := connection.NewManager(connection.ManagerConfig{
		Transports: connection.TransportsWithTimeout(cfg.Timeout()),
		Observers: []connection.Observer{
			connection.NewMultiObserver(&connection.LoggingObserver{Logger: log.Logger}, m),
		},
	})
	defer mgr.CloseAll()
	go metrics.NewCollector(m, mgr).Run(ctx, collectInterval)

	g := new(errgroup.Group)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			machine, err := mgr.Connect(ctx, t.name, t.endpoint)
			if err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			<-machine.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := printConnections(cmd.OutOrStdout(), mgr.AllInfo())
	if failed > 0 {
		return fmt.Errorf("%d of %d connections failed", failed, len(targets))
	}
	return nil
}

// printConnections writes a table of connection outcomes and returns how many
// did not connect.
func printConnections(out io.Writer, infos []connection.ConnectionInfo) int {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENDPOINT\tSTATE\tERROR")

	failed := 0
	for _, info := range infos {
		if info.State != connection.StateConnected {
			failed++
		}
		errText := "-"
		if info.LastError != nil {
			errText = info.LastError.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Endpoint, info.State, errText)
	}
	_ = w.Flush()
	return failed
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	paths := args
	if len(paths) == 0 {
		paths = cfg.Watch.Paths
	}
	if len(paths) == 0 {
		return fmt.Errorf("no paths to watch")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	serveMetrics(ctx, metricsAddr(cfg))

	return watchPaths(ctx, cfg, paths)
}

// watchPaths publishes changes under paths to the log and size subscribers
// until ctx is done.
func watchPaths(ctx context.Context, cfg *config.Config, paths []string) error {
	h := hub.New[watch.Change](hub.WithName("watch"), hub.WithRecorder(getMetrics()))
	h.Subscribe(watch.CategoryChange, watch.LogSubscriber{})
	h.Subscribe(watch.CategoryChange, watch.NewSizeSubscriber())

	w, err := watch.New(h, watch.Config{Debounce: cfg.Debounce()})
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	for _, p := range paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	log.Info().Strs("paths", w.Paths()).Msg("watching for changes")
	<-ctx.Done()
	return nil
}
