// Qqbridge connects a QQ account to an AI agent over MCP.
//
// It keeps a persistent WebSocket to a NapCat (OneBot v11) gateway,
// buffers recent messages per conversation, and exposes MCP tools for
// reading context, sending paced replies, and compressing history.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	qqbridge serve           Start the MCP server on stdio
//	qqbridge init [dir]      Initialize a working directory with defaults
//	qqbridge version         Print version and build information
//	qqbridge -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/qqbridge/qqbridge/internal/buffer"
	"github.com/qqbridge/qqbridge/internal/buildinfo"
	"github.com/qqbridge/qqbridge/internal/config"
	"github.com/qqbridge/qqbridge/internal/connwatch"
	"github.com/qqbridge/qqbridge/internal/onebot"
	"github.com/qqbridge/qqbridge/internal/pacer"
	"github.com/qqbridge/qqbridge/internal/stream"
	"github.com/qqbridge/qqbridge/internal/summarizer"
	"github.com/qqbridge/qqbridge/internal/target"
	"github.com/qqbridge/qqbridge/internal/tools"
)

// readyTimeout bounds how long serve waits for the gateway before
// starting anyway. The connection watcher keeps probing in the
// background; a slow gateway delays backfill, not startup.
const readyTimeout = 30 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the qqbridge command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the event-stream listener and the MCP server.
//   - stdin and stdout carry the MCP stdio protocol while serving.
//     Everything else — structured logs included — goes to stderr,
//     because a stray byte on stdout corrupts the JSON-RPC stream.
//   - args is os.Args[1:], parsed by hand rather than with the flag
//     package to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
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
		return runServe(ctx, stdin, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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

// printUsage writes the top-level help text to w. It is called when
// qqbridge is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "qqbridge - QQ to AI agent bridge (MCP server)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: qqbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the MCP server on stdio")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/qqbridge/config.yaml, /etc/qqbridge/config.yaml")
	return nil
}

// runServe handles the "qqbridge serve" subcommand. It is the primary
// operating mode: loads config, connects to the NapCat gateway, starts
// the event-stream listener, registers the MCP tools, and serves the
// MCP protocol on stdio until the client disconnects or a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM (or stdin EOF) cancels the context
//  2. The event-stream listener stops reconnecting and closes its socket
//  3. In-flight sends finish or abort; sent chunks stay recorded
func runServe(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelInfo)
	logger.Info("starting qqbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	{
		// ParseLogLevel is already validated by cfg.Validate, so this
		// error path should be unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stderr, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"qq", cfg.QQ,
		"gateway", cfg.Gateway.APIBaseURL(),
		"groups", len(cfg.Groups),
		"friends", len(cfg.Friends),
		"buffer_size", cfg.BufferSize,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Conversation allow list and message buffers ---
	registry := target.NewRegistry(cfg.Groups, cfg.Friends)
	store := buffer.New(cfg.BufferSize)

	// --- Gateway HTTP client ---
	client := onebot.NewClient(cfg.Gateway.APIBaseURL(), cfg.Gateway.Token, logger)

	// --- Gateway readiness ---
	// Background health monitoring with exponential backoff. The login
	// probe doubles as the liveness check; OnReady/OnDown transitions
	// give the log a clear record of gateway outages.
	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name: "napcat",
		Probe: func(pCtx context.Context) error {
			_, err := client.GetLoginInfo(pCtx)
			return err
		},
		OnReady: func() {
			logger.Info("gateway ready", "url", cfg.Gateway.APIBaseURL())
		},
		OnDown: func(err error) {
			logger.Warn("gateway down", "error", err)
		},
		Logger: logger,
	})
	defer watcher.Stop()
	client.SetWatcher(watcher)

	// --- Inbound path ---
	// Ingester filters and buffers events; the listener owns the
	// reconnecting WebSocket that feeds it.
	ingester := stream.NewIngester(cfg.QQ, registry, store, logger)
	listener := stream.NewListener(stream.ListenerConfig{
		URL:     cfg.Gateway.EventURL(),
		Handler: ingester.HandleEvent,
		Dialer:  stream.NewDialer(cfg.Gateway.Token),
		Logger:  logger,
	})

	// --- Outbound path ---
	limiter := pacer.NewLimiter(time.Duration(cfg.RateLimitSec) * time.Second)
	sender := pacer.New(pacer.Deps{
		Sender:   client,
		Limiter:  limiter,
		Store:    store,
		SelfQQ:   cfg.QQ,
		MaxChars: cfg.ChunkMaxChars,
		Logger:   logger,
	})

	// --- MCP server ---
	// Sampling must be enabled before the summarizer is handed the
	// server: compression borrows the connected client's own model.
	mcpServer := server.NewMCPServer(
		"qqbridge",
		buildinfo.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)
	mcpServer.EnableSampling()

	summarize := summarizer.NewChain(
		summarizer.NewSampling(mcpServer, logger),
		&summarizer.RuleBased{},
		logger,
	)
	compressor := buffer.NewCompressor(store, summarize, logger)

	toolset := tools.New(tools.Deps{
		Registry:   registry,
		Store:      store,
		Gateway:    client,
		Sender:     sender,
		Compressor: compressor,
		Conn:       watcher,
		SelfQQ:     cfg.QQ,
		Logger:     logger,
	})
	toolset.Register(mcpServer)

	// --- Startup backfill ---
	// Wait briefly for the gateway, then seed the buffers with recent
	// history. A gateway that is still down just means cold buffers;
	// the watcher keeps probing and the listener keeps redialing.
	if watcher.WaitReady(ctx, readyTimeout) {
		ingester.Backfill(ctx, client)
	} else {
		logger.Warn("gateway not ready, starting with empty buffers",
			"waited", readyTimeout,
		)
	}

	// --- Event stream ---
	go listener.Run(ctx)

	// --- Serve MCP on stdio ---
	// Listen returns when stdin closes or ctx is cancelled; either way
	// the deferred cancel stops the listener and the watcher.
	logger.Info("serving MCP on stdio")
	stdio := server.NewStdioServer(mcpServer)
	if err := stdio.Listen(ctx, stdin, stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	logger.Info("qqbridge stopped")
	return nil
}

// serverInstructions is handed to the MCP client at initialize time so
// the model knows how the tool surface fits together.
const serverInstructions = `qqbridge relays a QQ account. Inbound messages are buffered per
conversation (groups and whitelisted friends) while this server runs.
Use get_recent_context or batch_get_recent_context to read the buffer,
send_message to reply (long replies are split and paced automatically),
and compress_context when a conversation's history grows long. Call
check_status first if anything fails.`

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog; this helper standardizes
// handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
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
