// ABOUTME: Entry point for helpdesk-bridge, a stdio-to-HTTP MCP adapter.
// ABOUTME: Lets stdio-only MCP clients talk to a remote streamable HTTP gateway.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
)

var version = "dev"

// Config is the bridge's TOML configuration. Every field is optional;
// a missing config file runs against a local gateway.
type Config struct {
	Endpoint   string `toml:"endpoint"`
	TimeoutRaw string `toml:"timeout"`

	Timeout time.Duration `toml:"-"`
}

const defaultEndpoint = "http://127.0.0.1:3845/mcp"

func getConfigPath() string {
	if envPath := os.Getenv("HELPDESK_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "helpdesk", "bridge.toml")
}

func loadConfig() (*Config, error) {
	cfg := &Config{}

	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Timeout = 30 * time.Second
	if cfg.TimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.TimeoutRaw)
		if err != nil {
			return nil, fmt.Errorf("parsing timeout %q: %w", cfg.TimeoutRaw, err)
		}
		cfg.Timeout = d
	}

	return cfg, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config file. Supports "--endpoint value" and
	// "--endpoint=value".
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--endpoint" || arg == "-e":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: --endpoint requires a value")
				os.Exit(1)
			}
			cfg.Endpoint = args[i+1]
			i++
		case strings.HasPrefix(arg, "--endpoint="):
			cfg.Endpoint = strings.TrimPrefix(arg, "--endpoint=")
		case arg == "--version" || arg == "-v":
			fmt.Println(version)
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown argument: %s\n", arg)
			os.Exit(1)
		}
	}

	// Status output goes to stderr; stdout belongs to the protocol.
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "helpdesk-bridge %s -> %s\n", version, cfg.Endpoint)

	bridge := newBridge(cfg, os.Stdout)
	if err := bridge.run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
