// remotefn runs remote function executions from the command line and keeps a
// local journal of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/seantiz/remotefn/internal/config"
	"github.com/seantiz/remotefn/internal/observability"
	"github.com/seantiz/remotefn/internal/store"
	"github.com/seantiz/remotefn/pkg/remotefn"
)

// app carries the state shared by every subcommand.
type app struct {
	configFile string
	output     string

	cfg     *config.Config
	logger  *slog.Logger
	cleanup []func(context.Context) error
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "remotefn",
		Short:         "Run remote functions and inspect past executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (default: ./remotefn.yaml or ~/.config/remotefn/remotefn.yaml)")
	pf.StringVarP(&a.output, "output", "o", "table", "output format: table, json or yaml")
	pf.String("host", "", "function service host")
	pf.String("scheme", "", "function service scheme (http or https)")
	pf.Bool("insecure", false, "skip TLS certificate verification")
	pf.String("api-key", "", "API key used to call functions")
	pf.String("master-key", "", "master key used to manage API keys")
	pf.String("journal-path", "", "SQLite journal path")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("otlp-endpoint", "", "export traces to this OTLP/HTTP collector")

	rootCmd.AddCommand(
		runCmd(a),
		keysCmd(a),
		historyCmd(a),
		showCmd(a),
		statsCmd(a),
		serveCmd(a),
	)
	return rootCmd
}

// setup loads the configuration and starts the ambient services.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: a.configFile, Flags: cmd.Flags()})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = config.NewLogger(os.Stderr, cfg.Level())

	shutdown, err := observability.Setup(cmd.Context(), observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		ServiceName: "remotefn",
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.cleanup = append(a.cleanup, shutdown)

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		a.logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", "error", err)
		}
	}()
	a.cleanup = append(a.cleanup, srv.Shutdown)
}

func (a *app) teardown(ctx context.Context) error {
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanup = nil
	return errors.Join(errs...)
}

func (a *app) openJournal() (*store.SQLiteStore, error) {
	db, err := store.NewSQLiteStore(a.cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return db, nil
}

// newClient builds a client journaling to j, which may be nil.
func (a *app) newClient(j remotefn.Journal) *remotefn.Client {
	return remotefn.New(remotefn.Options{
		Host:     a.cfg.Host,
		Scheme:   a.cfg.Scheme,
		Insecure: a.cfg.Insecure,
		Logger:   a.logger,
		Journal:  j,
	})
}

func (a *app) printer(w io.Writer) *printer {
	return newPrinter(w, parseFormat(a.output))
}

// apiKey returns the flag/config API key or an error naming how to set it.
func (a *app) apiKey() (string, error) {
	if a.cfg.APIKey == "" {
		return "", errors.New("an API key is required (--api-key or REMOTEFN_API_KEY)")
	}
	return a.cfg.APIKey, nil
}
