// ABOUTME: Entry point for the arena-gateway rollout orchestration server.
// ABOUTME: Provides serve, init, and health subcommands.

package main

import (
	"context"
	"fmt"
	"io"
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
	"github.com/joho/godotenv"

	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/config"
	"github.com/2389/arena-gateway/internal/driver"
	"github.com/2389/arena-gateway/internal/engine"
	"github.com/2389/arena-gateway/internal/gateway"
	"github.com/2389/arena-gateway/internal/ports"
	"github.com/2389/arena-gateway/internal/runtime"
	"github.com/2389/arena-gateway/internal/sandbox"
	"github.com/2389/arena-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __ _ _ __ ___ _ __   __ _        __ _  __ _| |_ _____      ____ _ _   _
 / _' | '__/ _ \ '_ \ / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | |  __/ | | | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|_|  \___|_| |_|\__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                  |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: ARENA_CONFIG env var > XDG_CONFIG_HOME/arena/gateway.yaml > ~/.config/arena/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ARENA_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "arena", "gateway.yaml")
}

func main() {
	// A local .env can carry ARENA_TOKEN_SECRET and friends in development.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: arena-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Write a starter config file")
		fmt.Println("  health   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
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

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Workers:  %d (ports %d-%d)\n", cfg.Engine.Workers,
		cfg.Sandbox.PortBase, cfg.Sandbox.PortBase+cfg.Sandbox.PortCount-1)
	green.Print("    ▶ ")
	fmt.Printf("Agent:    %s\n", cfg.Agent.Mode)
	fmt.Println()

	logger.Info("starting arena-gateway",
		"config", configPath,
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"workers", cfg.Engine.Workers,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	rt, err := runtime.NewDockerRuntime(ctx)
	if err != nil {
		st.Close()
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer rt.Close()

	prov := sandbox.NewProvisioner(rt, sandbox.Config{
		DataStoreImage:    cfg.Sandbox.DataStoreImage,
		AnalyticsImage:    cfg.Sandbox.AnalyticsImage,
		Network:           cfg.Sandbox.Network,
		AnalyticsPort:     cfg.Sandbox.AnalyticsPort,
		DataStoreUser:     cfg.Sandbox.DataStoreUser,
		DataStorePassword: cfg.Sandbox.DataStorePassword,
		DataStoreName:     cfg.Sandbox.DataStoreName,
		DatasetPath:       cfg.Sandbox.DatasetPath,
		ReadyTimeout:      cfg.Sandbox.ReadyTimeout.Std(),
		PollInterval:      cfg.Sandbox.PollInterval.Std(),
		StopTimeout:       cfg.Sandbox.StopTimeout.Std(),
	})
	if err := prov.Prepare(ctx); err != nil {
		st.Close()
		return fmt.Errorf("preparing sandbox: %w", err)
	}

	alloc, err := ports.NewAllocator(cfg.Sandbox.PortBase, cfg.Sandbox.PortCount)
	if err != nil {
		st.Close()
		return fmt.Errorf("creating port allocator: %w", err)
	}

	drv, err := driver.New(driver.Config{
		Mode:     cfg.Agent.Mode,
		Endpoint: cfg.Agent.Endpoint,
		Command:  cfg.Agent.Command,
		Args:     cfg.Agent.Args,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("creating agent driver: %w", err)
	}

	tokens, err := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL.Std())
	if err != nil {
		st.Close()
		return fmt.Errorf("creating token issuer: %w", err)
	}

	eng := engine.New(st, prov, drv, alloc, tokens, engine.Config{
		Workers:       cfg.Engine.Workers,
		QueueSize:     cfg.Engine.QueueSize,
		AgentTimeout:  cfg.Agent.Timeout.Std(),
		ShutdownGrace: cfg.Engine.ShutdownGrace.Std(),
		CallbackURL:   cfg.Server.PublicURL,
		Headless:      cfg.Agent.Headless,
		RecordingRoot: cfg.Agent.RecordingRoot,
		AccessNote:    cfg.Agent.AccessNote,
	})

	gw := gateway.New(cfg, st, eng, tokens)
	return gw.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Example()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ ")
	fmt.Printf("Wrote starter config to %s\n", configPath)
	fmt.Println("  Set ARENA_TOKEN_SECRET and edit agent.endpoint before serving.")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/health/ready", cfg.Server.Host, cfg.Server.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy (%d): %s", resp.StatusCode, body)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ ")
	fmt.Printf("%s\n", body)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
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

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
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

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
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
		attrs:  h.attrs,
		groups: newGroups,
	}
}
