package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/kalambet/paygate/internal/api"
	"github.com/kalambet/paygate/internal/assignment"
	"github.com/kalambet/paygate/internal/audience"
	"github.com/kalambet/paygate/internal/config"
	"github.com/kalambet/paygate/internal/content"
	"github.com/kalambet/paygate/internal/expression"
	"github.com/kalambet/paygate/internal/identity"
	"github.com/kalambet/paygate/internal/network"
	"github.com/kalambet/paygate/internal/placement"
	"github.com/kalambet/paygate/internal/platform/otel"
	"github.com/kalambet/paygate/internal/postback"
	"github.com/kalambet/paygate/internal/products"
	"github.com/kalambet/paygate/internal/remoteconfig"
	"github.com/kalambet/paygate/internal/scheduler"
	"github.com/kalambet/paygate/internal/storage"
	"github.com/kalambet/paygate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the paygate daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running paygate daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show paygate daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "paygate.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// parseLocale accepts both BCP 47 tags and underscore-separated locales.
func parseLocale(s string) language.Tag {
	tag, err := language.Parse(strings.ReplaceAll(s, "_", "-"))
	if err != nil {
		return language.AmericanEnglish
	}
	return tag
}

func deviceAttributes(locale string) audience.StaticDevice {
	return audience.StaticDevice{
		"platform":   runtime.GOOS,
		"arch":       runtime.GOARCH,
		"sdkVersion": version,
		"locale":     locale,
	}
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "paygate version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("paygate is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("paygate is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	shutdownTracing, err := otel.Setup(ctx, "paygate", cfg.OTel.Endpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("shutting down tracing", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	ident := identity.NewProvider(store)

	netClient := network.NewClientWithBaseURL(cfg.Network.APIKey, cfg.Network.BaseURL)
	netClient.SetIdentity(ident)
	netClient.SetConfigRetries(cfg.Network.ConfigRetries)

	postbacks := postback.NewQueue(store)
	assignments := assignment.NewManager(store, postbacks, ident)

	remote := remoteconfig.NewManager(netClient, store, assignments)
	if err := remote.Load(); err != nil {
		slog.Warn("loading cached config", "error", err)
	}

	events := telemetry.NewQueue(netClient, store, telemetry.Options{
		MaxEventCount: cfg.Telemetry.MaxEventCount,
		MaxDepth:      cfg.Telemetry.MaxFlushDepth,
		SnapshotSize:  cfg.Telemetry.SnapshotSize,
	})
	if n, err := events.RestoreSnapshot(ctx); err != nil {
		slog.Warn("restoring telemetry snapshot", "error", err)
	} else if n > 0 {
		slog.Info("restored telemetry snapshot", "records", n)
	}

	catalog := products.NewCatalog(store)
	locale := parseLocale(cfg.Locale)
	cache := content.NewCache(content.Deps{
		Source:  netClient,
		Static:  remote,
		Catalog: catalog,
		Events:  events,
		Locale:  locale,
	})

	evaluator := audience.NewEvaluator(audience.Deps{
		Config:      remote,
		Variants:    assignments,
		Occurrences: store,
		History:     store,
		User:        ident,
		Device:      deviceAttributes(locale.String()),
		Install:     ident,
		Expressions: expression.NewLuaEvaluator(),
	})

	engine := placement.NewEngine(placement.Deps{
		Audience:    evaluator,
		Content:     cache,
		Store:       store,
		Assignments: assignments,
		Events:      events,
		Locale:      locale.String(),
		Debug:       cfg.Content.DebugMode,
	})

	svc := api.NewService(api.ServiceDeps{
		Placements:  engine,
		Config:      remote,
		Assignments: assignments,
		Identity:    ident,
		Telemetry:   events,
		Products:    catalog,
		Content:     cache,
	})
	if err := svc.Refresh(ctx); err != nil {
		slog.Warn("initial config refresh failed, serving cached config", "error", err)
	}

	flushEvery := cfg.Telemetry.FlushInterval
	if flushEvery <= 0 {
		flushEvery = telemetry.FlushInterval(cfg.Telemetry.Environment)
	}
	sched := scheduler.New()
	if err := sched.Every("telemetry_flush", flushEvery, func(ctx context.Context) error {
		_, err := events.Flush(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("scheduling telemetry flush: %w", err)
	}
	if err := sched.Every("config_refresh", cfg.Remote.RefreshInterval, svc.Refresh); err != nil {
		return fmt.Errorf("scheduling config refresh: %w", err)
	}
	go sched.Run(ctx)

	worker := postback.NewWorker(store, netClient, cfg.Postback.PollInterval)
	go worker.Run(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewAppHandler(svc, apiToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stdioSrv := server.NewStdioServer(api.NewMCPServer(svc))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "paygate listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := events.PersistSnapshot(shutdownCtx); err != nil {
		slog.Warn("persisting telemetry snapshot", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("paygate is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop paygate (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to paygate (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.get(ctx, "/status")
	if err != nil {
		printStatus("Daemon", "stopped")
		return nil
	}

	var st api.Status
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}

	printStatus("Daemon", "running at %s", client.baseURL)
	printStatus("Identifier", "%s", st.Identifier)
	if st.ConfigFetchedAt.IsZero() {
		printStatus("Config", "%s", colorize(colorYellow, "never fetched"))
	} else {
		printStatus("Config", "build %s, fetched %s", st.BuildID, st.ConfigFetchedAt.Local().Format(time.DateTime))
	}
	printStatus("Triggers", "%d", st.Triggers)
	printStatus("Experiments", "%d", st.Experiments)
	printStatus("Assignments", "%d confirmed, %d pending", st.ConfirmedAssignments, st.PendingAssignments)
	printStatus("Telemetry", "%d sessions, %d transactions queued", st.PendingSessions, st.PendingTransactions)
	return nil
}
