package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"github.com/btouchard/tabcast/internal/api"
	"github.com/btouchard/tabcast/internal/auth"
	"github.com/btouchard/tabcast/internal/bus"
	"github.com/btouchard/tabcast/internal/config"
	tabcastmcp "github.com/btouchard/tabcast/internal/mcp"
	"github.com/btouchard/tabcast/internal/notify"
	"github.com/btouchard/tabcast/internal/presenter"
	"github.com/btouchard/tabcast/internal/store"
	"github.com/btouchard/tabcast/internal/tab"
	"github.com/btouchard/tabcast/internal/tui"
)

var version = "dev"

// apiKeyPrefix prefixes the store key under which a tab publishes its
// control API address.
const apiKeyPrefix = "api:"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "tab":
		cmdTab(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "check":
		cmdCheck(os.Args[2:])
	case "rotate-secret":
		cmdRotateSecret(os.Args[2:])
	case "version":
		fmt.Printf("tabcast %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: tabcast <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  tab            Join the origin as a tab\n")
	fmt.Fprintf(os.Stderr, "  status         Show the current leader\n")
	fmt.Fprintf(os.Stderr, "  check          Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  rotate-secret  Replace the control API secret\n")
	fmt.Fprintf(os.Stderr, "  version        Print version\n")
}

// parseFlags parses args, exiting on error; --help prints usage and exits 0.
func parseFlags(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
}

type tabFlags struct {
	configPath string
	id         string
	root       string
	port       int
	useTUI     bool
	noServer   bool
}

func cmdTab(args []string) {
	var f tabFlags
	fs := pflag.NewFlagSet("tab", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to config file")
	fs.StringVar(&f.id, "id", "", "tab id (random when empty)")
	fs.StringVar(&f.root, "root", "", "notification server root URL, overrides origin.root")
	fs.IntVarP(&f.port, "port", "p", -1, "control API port, 0 picks a free one")
	fs.BoolVar(&f.useTUI, "tui", false, "render notifications in the terminal")
	fs.BoolVar(&f.noServer, "no-server", false, "do not start the control API")
	parseFlags(fs, args)

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if f.root != "" {
		cfg.Origin.Root = f.root
	}
	if f.port >= 0 {
		cfg.Server.Port = f.port
	}
	if f.noServer {
		cfg.Server.Enabled = false
	}
	if f.id == "" {
		f.id = uuid.NewString()
	}

	setupLogging(cfg, f.useTUI)

	slog.Info("starting tab",
		"version", version,
		"tab", f.id,
		"root", cfg.Origin.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, f); err != nil {
		slog.Error("tab error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	parseFlags(fs, args)

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func cmdRotateSecret(args []string) {
	fs := pflag.NewFlagSet("rotate-secret", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	parseFlags(fs, args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	dir := config.ExpandHome(cfg.Auth.ConfigDir)
	if _, err := auth.RotateSecret(dir); err != nil {
		fmt.Fprintf(os.Stderr, "rotating secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("new secret written to %s, restart running tabs\n", auth.SecretPath(dir))
}

func cmdStatus(args []string) {
	fs := pflag.NewFlagSet("status", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to config file")
	asJSON := fs.Bool("json", false, "print the leader's status as JSON")
	parseFlags(fs, args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := status(cfg, os.Stdout, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// status prints the leader record and, when the leader serves a control
// API, its live status.
func status(cfg *config.Config, w io.Writer, asJSON bool) error {
	db, err := store.NewSQLiteStore(config.ExpandHome(cfg.Database.Path))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	lr, at, err := tab.ReadLeader(db)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintln(w, "no leader has been elected yet")
		return nil
	}
	if err != nil {
		return err
	}

	live, liveErr := fetchStatus(cfg, db, lr.Tab)
	if asJSON {
		if liveErr != nil {
			return liveErr
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(live)
	}

	fmt.Fprintf(w, "leader:     %s (term %d)\n", lr.Tab, lr.Term)
	fmt.Fprintf(w, "since:      %s\n", lr.Since.Format(time.RFC3339))
	fmt.Fprintf(w, "last seen:  %s ago\n", time.Since(at).Round(time.Second))
	if liveErr != nil {
		fmt.Fprintf(w, "live:       unavailable (%v)\n", liveErr)
		return nil
	}
	fmt.Fprintf(w, "stream:     %s\n", live.Stream)
	fmt.Fprintf(w, "audio:      %s\n", live.Audio)
	fmt.Fprintf(w, "banners:    %s\n", live.Permission)
	fmt.Fprintf(w, "unread:     %d\n", live.Unread)
	return nil
}

func fetchStatus(cfg *config.Config, db store.Store, tabID string) (*tab.Status, error) {
	rec, err := db.GetValue(apiKeyPrefix + tabID)
	if err != nil {
		return nil, fmt.Errorf("leader has no control API: %w", err)
	}
	secret, err := auth.ReadSecret(config.ExpandHome(cfg.Auth.ConfigDir))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+rec.Value+"/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("leader answered %s", resp.Status)
	}

	var st tab.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogging installs the default logger. In terminal UI mode stdout
// belongs to the UI, so records only go to the log file.
func setupLogging(cfg *config.Config, quiet bool) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handlers []slog.Handler
	if !quiet {
		handlers = append(handlers, slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}

	if cfg.Server.LogFile != "" {
		path := config.ExpandHome(cfg.Server.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file", "path", path, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	if len(handlers) == 0 {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return
	}
	slog.SetDefault(slog.New(slog.NewMultiHandler(handlers...)))
}

func run(ctx context.Context, cfg *config.Config, f tabFlags) error {
	// --- SQLite Store ---
	dbPath := config.ExpandHome(cfg.Database.Path)
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", dbPath)

	// --- Broadcast channel ---
	channel, err := bus.NewSQLite(db, f.id, bus.SQLiteOptions{PollInterval: cfg.Election.PollInterval})
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()

	// --- MCP Server ---
	// Created before the tab: it is both a banner sink and a tool host.
	var mcpServer *server.MCPServer
	if cfg.Server.Enabled {
		mcpServer = tabcastmcp.NewServer(version)
	}

	// --- OS notification bridge ---
	var notifiers []notify.Notifier
	if cfg.Notifications.Ntfy.Enabled {
		notifiers = append(notifiers, &notify.NtfyNotifier{
			Server: cfg.Notifications.Ntfy.Server,
			Topic:  cfg.Notifications.Ntfy.Topic,
			Token:  cfg.Notifications.Ntfy.Token,
		})
	}
	if cfg.Notifications.MCP && mcpServer != nil {
		notifiers = append(notifiers, notify.NewMCPNotifier(mcpServer, 0))
	}

	// --- Surface ---
	// The terminal program needs the tab and the tab needs the surface, so
	// surface calls wait until the program exists.
	var (
		surface   presenter.Surface = tab.LogSurface{}
		program   *tea.Program
		ready     = make(chan struct{})
		readyOnce sync.Once
	)
	markReady := func() { readyOnce.Do(func() { close(ready) }) }
	if f.useTUI {
		ts := tui.NewSurface(func(msg tea.Msg) {
			<-ready
			if program != nil {
				program.Send(msg)
			}
		})
		defer ts.Close()
		defer markReady()
		surface = ts
	}

	// --- Tab ---
	t, err := tab.New(tab.Options{
		ID:        f.id,
		Config:    cfg,
		Bus:       channel,
		Store:     db,
		Surface:   surface,
		Notifiers: notifiers,
	})
	if err != nil {
		return err
	}

	// --- HTTP control API ---
	var srv *http.Server
	if cfg.Server.Enabled {
		secret, err := auth.LoadOrCreateSecret(config.ExpandHome(cfg.Auth.ConfigDir))
		if err != nil {
			return fmt.Errorf("loading control API secret: %w", err)
		}
		tabcastmcp.RegisterTools(mcpServer, &tabcastmcp.Deps{Notifications: t, Status: t})

		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)))
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
		addr := ln.Addr().String()
		if err := db.PutValue(apiKeyPrefix+f.id, addr); err != nil {
			slog.Warn("failed to publish control API address", "error", err)
		}

		srv = &http.Server{
			Handler: api.NewRouter(api.Options{
				Tab:    t,
				Secret: secret,
				MCP:    server.NewStreamableHTTPServer(mcpServer),
			}),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  2 * time.Minute,
		}
		go func() {
			slog.Info("control API is ready", "addr", addr)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("control API stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tabErr := make(chan error, 1)
	go func() { tabErr <- t.Run(ctx) }()

	if f.useTUI {
		program = tea.NewProgram(tui.NewModel(t), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
		markReady()
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			slog.Error("terminal UI failed", "error", err)
		}
		cancel()
	}

	err = <-tabErr

	slog.Info("shutting down")
	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("control API shutdown", "error", serr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
