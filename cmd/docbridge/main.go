package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/docbridge/internal/api"
	"github.com/mattjoyce/docbridge/internal/auth"
	"github.com/mattjoyce/docbridge/internal/bridge"
	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/dispatch"
	"github.com/mattjoyce/docbridge/internal/engine"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/host"
	"github.com/mattjoyce/docbridge/internal/hostlink"
	"github.com/mattjoyce/docbridge/internal/journal"
	"github.com/mattjoyce/docbridge/internal/lifecycle"
	"github.com/mattjoyce/docbridge/internal/lock"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pending"
	"github.com/mattjoyce/docbridge/internal/storage"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "scan":
		return runScanNoun(args)

	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: docbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("docbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`docbridge - document scanner bridge between a native host and its application

Usage:
  docbridge <noun> <action> [flags]

System Commands:
  system start      Start the bridge in the foreground
  system watch      Live monitor of lifecycle, scans and events

Config Commands:
  config check      Validate syntax and integrity
  config lock       Record integrity hashes for the current config files
  config show       Print the effective configuration (secrets masked)

Scan Commands:
  scan list         List recent scans from the scan log
  scan inspect <id> Show one scan log entry

General:
  version           Show version information
  help              Show this help message

Use 'docbridge <noun> help' for action-specific flags.
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemHelp()
		return 1
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "help", "--help", "-h":
		printSystemHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func printSystemHelp() {
	fmt.Print(`Usage: docbridge system <action> [flags]

Actions:
  start   [--config PATH]
  watch   [--api-url URL] [--api-key KEY]
`)
}

// resolveConfigPath returns path, or the discovered config when empty.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	discovered, err := config.DiscoverConfigDir()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithRotation(cfg.Service.LogLevel, log.Rotation{
		Filename:   cfg.Service.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		Compress:   true,
	})
	logger := log.WithComponent("main")
	logger.Info("docbridge starting", "version", version, "config", cfg.SourcePath)

	lockPath := lock.PathFor(cfg.Service.StatePath)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Service.StatePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Service.StatePath, "error", err)
		return 1
	}
	defer db.Close()

	rt, err := newRuntime(cfg, db)
	if err != nil {
		logger.Error("failed to assemble bridge", "error", err)
		return 1
	}

	if n, err := rt.journal.ReconcileOrphans(ctx); err != nil {
		logger.Warn("failed to reconcile scan log", "error", err)
	} else if n > 0 {
		logger.Info("marked scans orphaned by the previous run as detached", "count", n)
	}

	logger.Info("docbridge running (press Ctrl+C to stop)")
	if err := rt.run(ctx); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("docbridge stopped")
	return 0
}

// runtime is the assembled bridge.
type runtime struct {
	hub        *events.Hub
	remote     *host.Remote
	machine    *lifecycle.Machine
	dispatcher *dispatch.Dispatcher
	plugin     *bridge.Plugin
	journal    *journal.Journal
	api        *api.Server
	hostlink   *hostlink.Server
}

func newRuntime(cfg *config.Config, db *sql.DB) (*runtime, error) {
	maxBody, err := hostlink.ParseMaxBodySize(cfg.HostLink.MaxBodySize)
	if err != nil {
		return nil, fmt.Errorf("hostlink.max_body_size: %w", err)
	}

	rt := &runtime{
		hub:     events.NewHub(256),
		remote:  host.NewRemote(),
		machine: lifecycle.New(),
		journal: journal.New(db),
	}

	eng := engine.NewDescriptor(engine.Settings{
		Available:         cfg.Engine.IsAvailable(),
		UnavailableReason: cfg.Engine.UnavailableReason,
		MaxPageLimit:      cfg.Engine.MaxPageLimit,
	})
	rt.dispatcher = dispatch.New(
		dispatch.Config{
			Correlation:           dispatch.Correlation(cfg.Dispatch.Correlation),
			PendingTimeout:        cfg.Dispatch.PendingTimeout,
			SweepInterval:         cfg.Dispatch.SweepInterval,
			NotifyDocumentScanned: cfg.Notify.DocumentScanned,
		},
		pending.NewRegistry(),
		rt.machine,
		eng,
		rt.remote,
		rt.journal,
		rt.hub,
	)
	rt.plugin = bridge.New(rt.machine, rt.dispatcher, rt.remote, rt.hub)
	rt.remote.Bind(rt.plugin.Lifecycle())

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		rt.api = api.New(api.Config{
			Listen:             cfg.API.Listen,
			APIKey:             cfg.API.Auth.APIKey,
			Tokens:             tokens,
			CORSOrigins:        cfg.API.CORSOrigins,
			MaxConcurrentCalls: cfg.API.MaxConcurrentCalls,
			MaxCallWait:        cfg.API.MaxCallWait,
		}, rt.plugin, rt.journal, rt.hub, log.WithComponent("api"))
	}

	rt.hostlink = hostlink.New(hostlink.Config{
		Listen:          cfg.HostLink.Listen,
		Secret:          cfg.HostLink.Secret,
		SignatureHeader: cfg.HostLink.SignatureHeader,
		MaxBodySize:     maxBody,
	}, rt.remote, log.WithComponent("hostlink"))

	return rt, nil
}

// run supervises the components until ctx is cancelled or one fails.
func (rt *runtime) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(rt.dispatcher.Start(gctx), "dispatcher") })
	g.Go(func() error { return ignoreCancel(rt.hostlink.Start(gctx), "hostlink") })
	if rt.api != nil {
		g.Go(func() error { return ignoreCancel(rt.api.Start(gctx), "api") })
	}

	err := g.Wait()
	rt.dispatcher.Wait()
	// Nobody can deliver results any more; settle what is left.
	if n := rt.dispatcher.DrainAll(); n > 0 {
		log.WithComponent("main").Info("detached pending scans at shutdown", "count", n)
	}
	return err
}

func ignoreCancel(err error, component string) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", component, err)
}
