package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rathix/devserver/internal/bundle"
	appconfig "github.com/rathix/devserver/internal/config"
	"github.com/rathix/devserver/internal/hotreload"
	"github.com/rathix/devserver/internal/server"
)

const (
	defaultConfigFile = "devserver.yaml"
	defaultEnvFile    = ".env"
	shutdownTimeout   = 10 * time.Second
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds the command line configuration. The project config lives in
// the YAML file ConfigFile points at.
type config struct {
	ShowVersion bool
	ConfigFile  string
	Root        string
	EnvFile     string
	Host        string
	Port        int
	LogFormat   string
	LogFile     string
	LogMaxSize  int
	Debug       bool
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("devserver version %s\n", Version)
			return
		}
	}

	if err := loadEnvFile(envFileArg(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", defaultConfigFile), "path to the YAML project config")
	fs.StringVar(&cfg.Root, "root", getEnv("PROJECT_ROOT", "."), "project root; relative config paths resolve against it")
	fs.StringVar(&cfg.EnvFile, "env-file", getEnv("ENV_FILE", defaultEnvFile), "dotenv file loaded before flags are parsed")
	fs.StringVar(&cfg.Host, "host", getEnv("HOST", ""), "listen host (overrides dev.host)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", defaultLogFormat()), "log format (json or text)")
	fs.StringVar(&cfg.LogFile, "log-file", getEnv("LOG_FILE", ""), "also write logs to this rotated file")
	fs.IntVar(&cfg.LogMaxSize, "log-max-size", getEnvInt("LOG_MAX_SIZE", 10), "log file size in megabytes before rotation")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("DEBUG", false), "enable debug logging")

	portStr := getEnv("PORT", "")
	fs.StringVar(&portStr, "port", portStr, "first port to try (overrides dev.port)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return config{}, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		if port < 1 || port > 65535 {
			return config{}, fmt.Errorf("port must be between 1 and 65535, got %d", port)
		}
		cfg.Port = port
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}
	if cfg.LogMaxSize < 1 {
		return config{}, fmt.Errorf("log max size must be at least 1, got %d", cfg.LogMaxSize)
	}

	return cfg, nil
}

// envFileArg finds the -env-file flag ahead of the real parse, since the
// file has to be loaded before env fallbacks are read.
func envFileArg(args []string) string {
	for i, arg := range args {
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "env-file="); ok {
			return v
		}
		if name == "env-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return getEnv("ENV_FILE", "")
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. The default file may be absent.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return n
	}
	return fallback
}

// defaultLogFormat is text on an interactive terminal and JSON otherwise.
func defaultLogFormat() string {
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return "text"
	}
	return "json"
}

// buildLogOutput returns stdout, teed into a size-rotated file when path is set.
func buildLogOutput(path string, maxSizeMB int) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		LocalTime:  true,
	}
	return io.MultiWriter(os.Stdout, rotator), rotator.Close, nil
}

func setupLoggerWithWriter(format string, debug bool, writer io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler)
}

// resolvePath makes p absolute against root unless it already is.
func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// run starts the dev server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	out, closeLog, err := buildLogOutput(cfg.LogFile, cfg.LogMaxSize)
	if err != nil {
		return err
	}
	defer closeLog()

	logger := setupLoggerWithWriter(cfg.LogFormat, cfg.Debug, out)
	slog.SetDefault(logger)

	slog.Info("Starting devserver", "version", Version)

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	configPath := resolvePath(root, cfg.ConfigFile)

	appCfg, configErrs := appconfig.Load(configPath)
	for _, e := range configErrs {
		if appCfg == nil {
			slog.Error("Config parse failed", "path", configPath, "error", e)
		} else {
			slog.Warn("Config validation warning", "path", configPath, "error", e)
		}
	}
	if appCfg == nil {
		return fmt.Errorf("load config %s: %w", configPath, errors.Join(configErrs...))
	}

	mode := appconfig.ResolveMode(appCfg)
	slog.Info("Config loaded",
		"path", configPath,
		"mode", mode,
		"entries", len(appCfg.Build.Entry),
		"proxies", len(appCfg.Dev.ProxyTable),
	)

	host := appCfg.Dev.Host
	if cfg.Host != "" {
		host = cfg.Host
	}
	port := appCfg.Dev.Port
	if cfg.Port != 0 {
		port = cfg.Port
	}

	broker := hotreload.NewBroker(logger)

	bundler, err := bundle.New(bundle.OptionsFromConfig(root, mode, appCfg, hotreload.ClientTag), broker, logger)
	if err != nil {
		return fmt.Errorf("failed to create bundler: %w", err)
	}

	staticDir := resolvePath(root, appCfg.Dev.StaticDir)
	srv, err := server.New(server.Options{
		Host:            host,
		Port:            port,
		Static:          os.DirFS(staticDir),
		StaticPrefix:    server.StaticPrefix(appCfg.Dev.AssetsPublicPath, appCfg.Dev.AssetsSubDirectory),
		Index:           appCfg.Dev.Index,
		ProxyTable:      appCfg.Dev.ProxyTable,
		ShutdownTimeout: shutdownTimeout,
	}, bundler, broker, logger)
	if err != nil {
		bundler.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Only the proxy table is hot-swapped; bundle and listen settings need a restart.
	configWatcher := appconfig.NewWatcher(logger)
	configWatcher.Add(configPath, appconfig.ReloadOnChange(configPath, func(newCfg *appconfig.Config, errs []error) {
		for _, e := range errs {
			if newCfg == nil {
				slog.Error("Config reload parse failed", "error", e)
			} else {
				slog.Warn("Config reload validation warning", "error", e)
			}
		}
		if newCfg == nil {
			// Keep the last-known-good proxy table when reload parsing fails.
			return
		}
		if err := srv.SetProxyTable(newCfg.Dev.ProxyTable); err != nil {
			slog.Error("Proxy table reload failed", "error", err)
			return
		}
		slog.Info("Config reloaded", "proxies", len(newCfg.Dev.ProxyTable))
	}))
	g.Go(func() error {
		if err := configWatcher.Run(gctx); err != nil && gctx.Err() == nil {
			slog.Warn("config watcher stopped with error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		srv.Start(gctx)
		select {
		case <-srv.Ready():
			if err := srv.Err(); err != nil {
				return fmt.Errorf("start dev server: %w", err)
			}
		case <-gctx.Done():
			return nil
		}
		slog.Info("Dev server ready", "url", srv.URL(), "mode", mode)

		select {
		case <-gctx.Done():
			slog.Info("Shutting down gracefully...")
			return nil
		case <-srv.Done():
			if err := srv.Err(); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return errors.New("server stopped unexpectedly")
		}
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
