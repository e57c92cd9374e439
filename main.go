// Command tabchat is a language server that backs an editor's chat tabs with
// a remote generation service.
//
//	tabchat serve              # LSP over stdio
//	tabchat serve --listen :7658
//	tabchat transcripts
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tabchat/server/generate"
	"github.com/tabchat/server/logger"
	"github.com/tabchat/server/lsp"
	"github.com/tabchat/server/middleware"
	"github.com/tabchat/server/settings"
	"github.com/tabchat/server/telemetry"
	"github.com/tabchat/server/transcript"
	"github.com/tabchat/server/watch"
	"golang.org/x/term"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tabchat",
		Short:        "Chat language server for editor tabs",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildTranscriptsCmd())
	return root
}

type serveOptions struct {
	stdio       bool
	listen      string
	metricsAddr string
	token       string
	dataDir     string
	devMode     bool
}

func buildServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the language server",
		Long: `Start the language server.

By default the server speaks LSP on stdin/stdout. With --listen it accepts
WebSocket clients instead and also serves /health and /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.listen != "" && cmd.Flags().Changed("stdio") && opts.stdio {
				return errors.New("--stdio and --listen are mutually exclusive")
			}
			opts.stdio = opts.listen == ""
			if opts.token == "" {
				opts.token = os.Getenv("AUTH_TOKEN")
			}
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.stdio, "stdio", true, "Serve LSP on stdin/stdout")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Serve WebSocket clients on this address instead of stdio")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics", "", "Serve /metrics on this address in stdio mode")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token required by HTTP clients (default $AUTH_TOKEN)")
	cmd.Flags().StringVar(&opts.dataDir, "data-dir", defaultDataDir(), "Directory for settings, logs and transcripts")
	cmd.Flags().BoolVar(&opts.devMode, "dev", false, "Log to the console and accept any WebSocket origin")

	return cmd
}

func buildTranscriptsCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "List recorded chat transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := transcript.NewFileStore(dataDir)
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\n", m.UpdatedAt.Format(time.RFC3339), m.TabID, m.Title)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for settings, logs and transcripts")
	return cmd
}

func defaultDataDir() string {
	if dir := os.Getenv("TABCHAT_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabchat"
	}
	return filepath.Join(home, ".tabchat")
}

func runServe(ctx context.Context, opts serveOptions) error {
	if err := os.MkdirAll(opts.dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger.Init(logger.Config{DataDir: opts.dataDir, DevMode: opts.devMode, Stdio: opts.stdio})

	settingsStore, err := settings.NewStore(opts.dataDir)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	watcher := watch.NewSettingsWatcher(settingsStore)
	if err := watcher.Start(); err != nil {
		slog.Warn("settings file will not be watched", "error", err)
	}
	defer watcher.Stop()

	transcripts, err := transcript.NewFileStore(opts.dataDir)
	if err != nil {
		return fmt.Errorf("open transcripts: %w", err)
	}
	if list, err := transcripts.List(); err != nil {
		slog.Warn("failed to read transcript index", "error", err)
	} else {
		slog.Info("transcripts loaded", "count", len(list))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewPrometheusSink(reg)

	server := lsp.NewServer(lsp.Config{
		Version:     version,
		DevMode:     opts.devMode,
		Settings:    settingsStore,
		Dialer:      generate.ProviderDialer{},
		Transcripts: transcripts,
		Metrics:     metrics,
	})
	metrics.RegisterSessionGauge(server.SessionCount)
	watcher.SetOnChange(server.ApplySettings)

	st := settingsStore.Get()
	slog.Info("server starting",
		"version", version,
		"dataDir", opts.dataDir,
		"provider", st.Provider,
		"stdio", opts.stdio,
		"devMode", opts.devMode)

	if !opts.stdio {
		return serveHTTP(ctx, opts.listen, newHTTPHandler(server, reg, opts.token))
	}

	if opts.metricsAddr != "" {
		go func() {
			if err := serveHTTP(ctx, opts.metricsAddr, newHTTPHandler(nil, reg, opts.token)); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "tabchat: waiting for LSP messages on stdin; start it from an editor or use --listen")
	}
	return server.ServeStdio(ctx, os.Stdin, os.Stdout)
}

// newHTTPHandler serves health and metrics, plus WebSocket clients at /ws
// when ws is non-nil. Everything but /health requires token when it is set.
func newHTTPHandler(ws http.Handler, gatherer prometheus.Gatherer, token string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if ws != nil {
		mux.Handle("GET /ws", ws)
	}
	return middleware.Auth(token)(mux)
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server stopped", "addr", addr)
	return nil
}
