package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"barcodegate/barcode"
	"barcodegate/config"
	"barcodegate/monitoring"
	"barcodegate/serial"
	"barcodegate/service"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const appName = "barcodegate"

// appVersion is overridden at build time with -ldflags "-X main.appVersion=..."
var appVersion = ""

func getVersion() string {
	if appVersion != "" {
		return appVersion
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Dual-channel serial barcode ingestion for entry and exit scanners",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(), newPortsCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	debug      bool
	entry      string
	exit       string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bind the scanners and serve the control API until interrupted",
		Example: `  barcodegate run --config /etc/barcodegate/config.json
  barcodegate run --entry /dev/ttyUSB0 --exit /dev/ttyUSB1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			// Flags override the bindings stored in the file
			if cmd.Flags().Changed("entry") {
				cfg.Channels.Entry = opts.entry
			}
			if cmd.Flags().Changed("exit") {
				cfg.Channels.Exit = opts.exit
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return run(cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (defaults are used when empty)")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.entry, "entry", "", "Serial port for the entry scanner")
	cmd.Flags().StringVar(&opts.exit, "exit", "", "Serial port for the exit scanner")

	return cmd
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List attached serial ports as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			ports := serial.NewCatalog(logger).List()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ports)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, getVersion())
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config, opts runOptions) error {
	logger := setupLogging(cfg, opts.debug)
	logger.Info("Starting barcodegate",
		"version", getVersion(),
		"instance", cfg.App.InstanceID,
		"config", opts.configPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	manager := service.NewManager(cfg, opts.configPath, logger, service.WithVersion(getVersion()))

	manager.AddRecordHandler(func(rec barcode.Record) {
		logger.Info("Barcode scanned",
			"role", rec.Role.String(),
			"device", rec.Port,
			"seq", rec.Seq,
			"payload", rec.Payload)
	})

	// Registered before Start so the first records reach the stream and metrics
	var monServer *monitoring.Server
	if cfg.Monitoring.Enabled {
		monServer = monitoring.NewServer(&cfg.Monitoring, manager, logger.With("component", "monitoring"))
	}

	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start barcode manager: %w", err)
	}

	if monServer != nil {
		if err := monServer.Start(); err != nil {
			manager.Stop()
			return fmt.Errorf("failed to start monitoring server: %w", err)
		}
	}

	logger.Info("barcodegate started",
		"instance", cfg.App.InstanceID,
		"monitoring", cfg.Monitoring.Enabled,
		"monitoring_port", cfg.Monitoring.Port)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down gracefully...")

	if monServer != nil {
		if err := monServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping monitoring server", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timed out, forcing exit")
	}

	logger.Info("barcodegate stopped")
	return nil
}

// setupLogging configures logging with optional file rotation
func setupLogging(cfg *config.Config, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler

	// If log base path is configured, write to rotating log file
	if cfg.Logging.BasePath != "" {
		if err := os.MkdirAll(cfg.Logging.BasePath, 0755); err != nil {
			log.Printf("Warning: failed to create log directory: %v", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			writer := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Logging.BasePath, appName+".log"),
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				Compress:   cfg.Logging.Compress,
			}
			handler = slog.NewJSONHandler(writer, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
