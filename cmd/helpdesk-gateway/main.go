// ABOUTME: Entry point for the helpdesk-gateway MCP server.
// ABOUTME: Bridges MCP tool calls onto an upstream service-desk REST API.

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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/helpdesk-gateway/internal/cache"
	"github.com/2389/helpdesk-gateway/internal/config"
	"github.com/2389/helpdesk-gateway/internal/diagnose"
	"github.com/2389/helpdesk-gateway/internal/mcp"
	"github.com/2389/helpdesk-gateway/internal/stdio"
	"github.com/2389/helpdesk-gateway/internal/tools"
	"github.com/2389/helpdesk-gateway/internal/upstream"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _          _           _           _
| |__   ___| |_ __   __| | ___  ___| | __
| '_ \ / _ \ | '_ \ / _' |/ _ \/ __| |/ /
| | | |  __/ | |_) | (_| |  __/\__ \   <
|_| |_|\___|_| .__/ \__,_|\___||___/_|\_\
             |_|           gateway
`

// getConfigPath returns the path to the gateway config file.
// Priority: HELPDESK_CONFIG env var > XDG_CONFIG_HOME/helpdesk/gateway.yaml > ~/.config/helpdesk/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HELPDESK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "helpdesk", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: helpdesk-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the streamable HTTP server")
		fmt.Println("  stdio      Serve a single session over stdin/stdout")
		fmt.Println("  health     Check gateway health")
		fmt.Println("  version    Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "stdio":
		err = runStdio(ctx)
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildGateway wires the shared pipeline: cache registry, upstream
// client, diagnostic engine, and the tool registry both transports
// serve from.
func buildGateway(cfg *config.Config, logger *slog.Logger) (*tools.Registry, *cache.Registry, error) {
	cacheReg := cache.NewRegistry(logger)

	client, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:                 cfg.Upstream.BaseURL,
		Username:                cfg.Upstream.Username,
		Password:                cfg.Upstream.Password,
		Timeout:                 cfg.Upstream.Timeout,
		TransferTimeoutMultiple: cfg.Upstream.TransferTimeoutMultiple,
		TokenTTL:                cfg.Auth.TokenTTL,
		RefreshThreshold:        cfg.Auth.RefreshThreshold,
		CacheRegistry:           cacheReg,
		Logger:                  logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating upstream client: %w", err)
	}

	diag := diagnose.New(diagnose.Config{
		API:         client,
		Registry:    cacheReg,
		TemplateTTL: cfg.Cache.TemplateTTL,
		Logger:      logger,
	})

	toolReg := tools.NewRegistry(logger)
	if err := tools.RegisterRecordTools(toolReg, tools.RecordToolsConfig{
		API:      client,
		Diagnose: diag,
		Logger:   logger,
	}); err != nil {
		return nil, nil, fmt.Errorf("registering tools: %w", err)
	}

	cacheReg.StartSweeper(cfg.Cache.SweepInterval)
	return toolReg, cacheReg, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Upstream: %s\n", cfg.Upstream.BaseURL)
	fmt.Println()

	logger.Info("starting helpdesk-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"upstream", cfg.Upstream.BaseURL,
	)

	toolReg, cacheReg, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer cacheReg.StopSweeper()

	mcpServer, err := mcp.NewServer(mcp.Config{
		Tools:                toolReg,
		Logger:               logger,
		ServerName:           "helpdesk-gateway",
		ServerVersion:        version,
		SessionTimeout:       cfg.Server.SessionTimeout,
		SessionSweepInterval: cfg.Server.SessionSweepInterval,
		AllowedOrigins:       cfg.Server.AllowedOrigins,
		RateLimitPerMinute:   cfg.Server.RateLimitPerMinute,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}
	mcpServer.Start()

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	mcpServer.Shutdown()

	return nil
}

func runStdio(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Stdout carries the protocol stream, so logs go to stderr.
	logger := setupLogger(cfg.Logging, os.Stderr)

	toolReg, cacheReg, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer cacheReg.StopSweeper()

	transport, err := stdio.New(stdio.Config{
		Tools:         toolReg,
		Logger:        logger,
		ServerName:    "helpdesk-gateway",
		ServerVersion: version,
	}, os.Stdout)
	if err != nil {
		return fmt.Errorf("creating stdio transport: %w", err)
	}

	logger.Info("serving over stdio")
	return transport.Run(ctx, os.Stdin)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig, out *os.File) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = &colorHandler{
			level: level,
			out:   out,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	out    *os.File
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(h.out, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		out:    h.out,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		out:    h.out,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
