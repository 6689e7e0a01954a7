// Pimsync keeps personal-data items (contacts, notes, calendar entries)
// synchronized between a local offline-capable cache and remote
// collection-based stores.
//
// Usage:
//
//	pimsync daemon [--config <path>]     # start the polling sync loop
//	pimsync sync-once [--config <path>]  # single sync pass then exit
//	pimsync status [--config <path>]     # show config and state DB summary
//	pimsync version                      # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avandermeer/pimsync/internal/codec"
	"github.com/avandermeer/pimsync/internal/config"
	"github.com/avandermeer/pimsync/internal/remote/vdir"
	"github.com/avandermeer/pimsync/internal/store"
	syncp "github.com/avandermeer/pimsync/internal/sync"
	"github.com/avandermeer/pimsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("pimsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'pimsync' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Pimsync — offline-first personal data synchronization")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pimsync daemon [--config ...]     Run the continuous sync loop")
	fmt.Fprintln(os.Stderr, "  pimsync sync-once [--config ...]  Single sync pass then exit")
	fmt.Fprintln(os.Stderr, "  pimsync status [--config ...]     Show config and state DB summary")
	fmt.Fprintln(os.Stderr, "  pimsync version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints a summary of the configuration and state database.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Pimsync Status")
	fmt.Println("──────────────")

	statePath, _ := config.DefaultStatePath()
	if cfg, err := config.Load(*cfgPath); err == nil {
		fmt.Printf("  Config:    %s ✓\n", *cfgPath)
		enabled := 0
		for _, acct := range cfg.Accounts {
			if acct.Enabled {
				enabled++
			}
		}
		fmt.Printf("  Accounts:  %d configured, %d enabled\n", len(cfg.Accounts), enabled)
		fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
		if cfg.StatePath != "" {
			statePath = cfg.StatePath
		}
	} else if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
	} else {
		fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, err)
	}

	info, err := os.Stat(statePath)
	if err != nil {
		fmt.Println("  State DB:  not found")
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", statePath, humanSize(info.Size()))

	st, err := store.Open(statePath)
	if err != nil {
		fmt.Printf("  State DB:  unreadable (%v)\n", err)
		return nil
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	if n, err := st.CountItems(ctx); err == nil {
		fmt.Printf("  Items:     %d cached\n", n)
	}
	if n, err := st.QueueLen(ctx); err == nil {
		fmt.Printf("  Queue:     %d pending mutation(s)\n", n)
	}
	return nil
}

// --- Sync core ---------------------------------------------------------------

func startSync(cfgPath string, verbose, daemon bool) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"accounts", len(cfg.Accounts),
		"poll_interval", cfg.PollInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- State DB ------------------------------------------------------------

	statePath := cfg.StatePath
	if statePath == "" {
		if statePath, err = config.DefaultStatePath(); err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	st, err := store.Open(statePath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", statePath)

	// --- Remote connector ----------------------------------------------------

	connect := newConnector(cfg.Accounts)

	// --- Sync engine ---------------------------------------------------------

	engine := syncp.NewEngine(st, codec.JSON{}, connect, cfg.Accounts, cfg.PollInterval, logger)
	if !daemon {
		engine.OnProgress(func(p syncp.Progress) {
			if p.Phase == "collection" {
				fmt.Fprintf(os.Stderr, "  [%d/%d] %s/%s\n", p.Done, p.Total, p.Account, p.Collection)
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if !daemon {
		logger.Info("running single sync pass")
		res, err := engine.SyncAll(ctx)
		if err != nil {
			return fmt.Errorf("sync pass: %w", err)
		}
		for _, msg := range res.Errors {
			logger.Warn("sync error", "detail", msg)
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("sync pass finished with %d error(s)", len(res.Errors))
		}
		return nil
	}

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newConnector maps account names to their remote store adapters. Only the
// vdir adapter exists today; its Open doubles as the reachability check the
// engine retries on.
func newConnector(accounts []config.Account) syncp.Connector {
	byName := make(map[string]config.Account, len(accounts))
	for _, acct := range accounts {
		byName[acct.Name] = acct
	}

	return func(_ context.Context, name string) (syncp.RemoteStore, error) {
		acct, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown account %q", name)
		}
		switch acct.Type {
		case "vdir":
			return vdir.Open(acct.Path)
		default:
			return nil, fmt.Errorf("account %q: unsupported type %q", name, acct.Type)
		}
	}
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
