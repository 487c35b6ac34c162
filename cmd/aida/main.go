// Aida is a WhatsApp sales assistant for a small product catalog.
//
// It bridges a WhatsApp gateway to an OpenAI-backed conversation
// orchestrator with CRM-backed tools, and serves an operator dashboard
// with diagnostics and session inspection. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	aida serve                 Start the agent and operator server
//	aida init [dir]            Initialize a working directory with defaults
//	aida simulate <text>...    Run one message through the pipeline (for testing)
//	aida diag                  Print diagnostics from a running instance
//	aida reset                 Clear all session identity maps
//	aida version               Print version and build information
//	aida -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
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

	"github.com/aida-agent/aida/internal/agent"
	"github.com/aida-agent/aida/internal/buildinfo"
	"github.com/aida-agent/aida/internal/completion"
	"github.com/aida-agent/aida/internal/config"
	"github.com/aida-agent/aida/internal/crm"
	"github.com/aida-agent/aida/internal/events"
	"github.com/aida-agent/aida/internal/gate"
	"github.com/aida-agent/aida/internal/httpkit"
	"github.com/aida-agent/aida/internal/mqtt"
	"github.com/aida-agent/aida/internal/session"
	"github.com/aida-agent/aida/internal/stats"
	"github.com/aida-agent/aida/internal/tools"
	"github.com/aida-agent/aida/internal/web"
	"github.com/aida-agent/aida/internal/whatsapp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run]. This keeps os.Exit, os.Stdout, and
// os.Args out of the application logic so that the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aida command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "simulate":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aida simulate <text>")
		}
		return runSimulate(ctx, stdout, configPath, cmdArgs)
	case "diag":
		return runDiag(ctx, stdout, configPath, outputFmt)
	case "reset":
		return runReset(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aida - WhatsApp Sales Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aida [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the agent and operator server")
	fmt.Fprintln(w, "  init [dir]       Initialize a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  simulate <text>  Run one message through the pipeline (for testing)")
	fmt.Fprintln(w, "  diag             Print diagnostics from a running instance")
	fmt.Fprintln(w, "  reset            Clear all session identity maps")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runSimulate boots a minimal pipeline (in-memory session store, no
// gateway, no web server) and processes a single message as if it had
// arrived over WhatsApp, printing the reply to stdout. Tool calls hit
// the real CRM, so this exercises everything except delivery.
func runSimulate(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	text := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store := session.NewMemoryStore()
	crmClient := crm.NewClient(cfg.CRM, logger)
	registry := tools.NewRegistry(crmClient)
	client := completion.NewOpenAIClient(cfg.OpenAI, logger)

	orch, err := agent.New(cfg.Agent, store, client, registry, nil, logger)
	if err != nil {
		return err
	}

	reply, err := orch.ProcessTurn(ctx, "simulate-cli", text)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	fmt.Fprintln(stdout, reply)
	return nil
}

// runDiag fetches /api/diagnostics from a running instance and prints
// the JSON body. It is a thin client for shell scripts and health
// checks; the server does the actual probing.
func runDiag(ctx context.Context, stdout io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	url := "http://" + cfg.Web.Listen + "/api/diagnostics"
	client := httpkit.NewClient(httpkit.WithTimeout(10 * time.Second))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is aida running? %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var diag map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		return fmt.Errorf("decoding diagnostics: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(diag)
	}

	fmt.Fprintf(stdout, "status: %v\n", diag["status"])
	if creds, ok := diag["credentials"].(map[string]any); ok {
		for _, k := range []string{"openai_api_key", "crm_api_key", "crm_api_secret", "whatsapp_token"} {
			fmt.Fprintf(stdout, "  %-16s %v\n", k+":", creds[k])
		}
	}
	if diag["status"] != "pass" {
		return fmt.Errorf("diagnostics did not pass")
	}
	return nil
}

// runReset opens the session database directly and clears all four
// identity maps. The next inbound message from each contact starts a
// fresh conversation. Refuses nothing: history lives in the CRM, not
// here, so the operation only discards continuation state.
func runReset(stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := session.NewSQLiteStore(filepath.Join(cfg.DataDir, "aida.db"), logger)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer store.Close()

	counts, err := store.Counts()
	if err != nil {
		return fmt.Errorf("counting sessions: %w", err)
	}
	if err := store.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	fmt.Fprintf(stdout, "cleared %d sessions, %d continuations, %d language prefs, %d handoff markers\n",
		counts.Sessions, counts.Responses, counts.Language, counts.Handoff)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// session database, connects the WhatsApp gateway, and blocks until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The gateway and bridge drain and stop
//  3. MQTT publishes offline status and disconnects
//  4. The web server drains in-flight requests
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Aida", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger covers only the startup
	// banner.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"model", cfg.OpenAI.Model,
		"gateway", cfg.WhatsApp.GatewayURL,
		"listen", cfg.Web.Listen,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Session store ---
	// SQLite-backed identity maps. Persist across restarts so that
	// conversations resume from their last finalized turn.
	dbPath := filepath.Join(cfg.DataDir, "aida.db")
	store, err := session.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open session database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("session database opened", "path", dbPath)

	// --- Event bus and stats ---
	bus := events.New()
	collector := stats.NewCollector(bus)
	defer collector.Stop()

	// --- Pipeline ---
	crmClient := crm.NewClient(cfg.CRM, logger)
	registry := tools.NewRegistry(crmClient)
	client := completion.NewOpenAIClient(cfg.OpenAI, logger)

	orch, err := agent.New(cfg.Agent, store, client, registry, bus, logger)
	if err != nil {
		return err
	}
	g := gate.New(cfg.Gate, store, bus, logger)

	gateway := whatsapp.NewGateway(cfg.WhatsApp, logger)
	sender := whatsapp.NewSender(cfg.WhatsApp, logger)
	bridge := whatsapp.NewBridge(g, orch, crmClient, sender, bus, logger)

	// --- Operator server ---
	webServer := web.NewServer(cfg, store, collector, bus, g, orch, logger)

	// --- MQTT publisher ---
	// Optional: publishes discovery messages and periodic sensor state
	// so Aida appears as a native Home Assistant device.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}

		adapter := &mqttStatsAdapter{
			model:     cfg.OpenAI.Model,
			store:     store,
			collector: collector,
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, adapter, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("gateway stopped", "error", err)
		}
	}()
	go bridge.Run(ctx, gateway.Events(), 4)

	if mqttPub != nil {
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = webServer.Shutdown(shutdownCtx)
	}()

	// The web server blocks until shutdown; the gateway and bridge stop
	// when ctx is cancelled.
	if err := webServer.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("web server failed: %w", err)
		}
	}

	logger.Info("Aida stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges the session store, stats collector, and
// build info to the publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	model     string
	store     session.Store
	collector *stats.Collector
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string         { return a.model }

func (a *mqttStatsAdapter) ActiveSessions() int {
	counts, err := a.store.Counts()
	if err != nil {
		return 0
	}
	return counts.Sessions
}

func (a *mqttStatsAdapter) MessageCounts() (int64, int64) {
	s := a.collector.Summary()
	return s.MessagesReceived, s.MessagesSent
}

func (a *mqttStatsAdapter) TurnsFailed() int64 {
	return a.collector.Summary().TurnsFailed
}
