package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/litehalt"
	"pkt.systems/litehalt/internal/loggingutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("LITEHALT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "litehalt")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			}
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// exitCodeError carries a process exit status out of a command. A nil err
// exits quietly.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "exit status " + strconv.Itoa(e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := litehalt.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, litehalt.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "litehalt",
		Short:         "litehalt halts replication of a SQLite database while an operation runs",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Vacuum while replication is halted
  litehalt run /data/app.db -- sqlite3 /data/app.db 'VACUUM;'

  # Keep replication halted for at most five minutes
  litehalt hold /data/app.db --for 5m

  # Who is holding the halt?
  litehalt status /data/app.db --holders

  # Consistent copy to MinIO (TLS on by default; append ?insecure=1 for HTTP)
  LITEHALT_S3_ACCESS_KEY_ID=minioadmin LITEHALT_S3_SECRET_ACCESS_KEY=minioadmin \
    litehalt snapshot /data/app.db --to s3://localhost:9000/backups?insecure=1
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				loggingutil.WithSubsystem(baseLogger, "cli.root").Debug("cli.config.loaded", "path", configFile)
			}
			return nil
		},
	}

	defaults := litehalt.DefaultConfig()
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.litehalt/"+litehalt.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.String("lock-suffix", defaults.LockSuffix, "suffix appended to the database path to name its lock file")
	persistentFlags.String("lock-mode", fmt.Sprintf("%#o", defaults.LockMode), "permissions of a newly created lock file (octal)")
	persistentFlags.Int64("halt-offset", defaults.HaltOffset, "byte of the lock file that replication observes")
	persistentFlags.Duration("max-hold", litehalt.DefaultMaxHold, "force-release a halt held longer than this (0 disables)")
	persistentFlags.Duration("acquire-timeout", litehalt.DefaultAcquireTimeout, "give up waiting for a halt after this long (0 waits indefinitely)")
	persistentFlags.Bool("watch-lock-file", false, "release the halt when its lock file is removed or replaced")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. grpc://localhost:4317)")
	persistentFlags.String("metrics-listen", litehalt.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	persistentFlags.Bool("profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")

	viper.SetEnvPrefix("LITEHALT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"config", "log-level",
		"lock-suffix", "lock-mode", "halt-offset", "max-hold", "acquire-timeout", "watch-lock-file",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "profiling-metrics",
	} {
		bindFlag(name, persistentFlags.Lookup(name))
	}

	cmd.AddCommand(newRunCommand(baseLogger))
	cmd.AddCommand(newHoldCommand(baseLogger))
	cmd.AddCommand(newStatusCommand(baseLogger))
	cmd.AddCommand(newSnapshotCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// bindConfig reads the halt settings from flags, environment and config file.
func bindConfig() (litehalt.Config, error) {
	cfg := litehalt.Config{
		LockSuffix:     strings.TrimSpace(viper.GetString("lock-suffix")),
		HaltOffset:     viper.GetInt64("halt-offset"),
		MaxHold:        viper.GetDuration("max-hold"),
		AcquireTimeout: viper.GetDuration("acquire-timeout"),
		WatchLockFile:  viper.GetBool("watch-lock-file"),
	}
	if raw := strings.TrimSpace(viper.GetString("lock-mode")); raw != "" {
		mode, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return litehalt.Config{}, fmt.Errorf("parse lock-mode %q: %w", raw, err)
		}
		cfg.LockMode = os.FileMode(mode)
	}
	if err := cfg.Validate(); err != nil {
		return litehalt.Config{}, err
	}
	return cfg, nil
}

func bindTelemetry() litehalt.TelemetryConfig {
	return litehalt.TelemetryConfig{
		OTLPEndpoint:     strings.TrimSpace(viper.GetString("otlp-endpoint")),
		MetricsListen:    strings.TrimSpace(viper.GetString("metrics-listen")),
		PprofListen:      strings.TrimSpace(viper.GetString("pprof-listen")),
		ProfilingMetrics: viper.GetBool("profiling-metrics"),
	}
}

// session is what every halting subcommand needs: a leveled logger, a
// coordinator and, when configured, telemetry.
type session struct {
	logger      pslog.Logger
	coordinator *litehalt.Coordinator
	telemetry   *litehalt.Telemetry
}

func openSession(ctx context.Context, baseLogger pslog.Logger, command string) (*session, error) {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cfg, err := bindConfig()
	if err != nil {
		return nil, err
	}
	telemetry, err := litehalt.StartTelemetry(ctx, bindTelemetry(), logger)
	if err != nil {
		return nil, err
	}
	coordinator, err := litehalt.NewCoordinator(cfg, litehalt.WithLogger(logger))
	if err != nil {
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}
	return &session{
		logger:      loggingutil.WithSubsystem(logger, loggingutil.Subsystem("cli", command)),
		coordinator: coordinator,
		telemetry:   telemetry,
	}, nil
}

func (s *session) close() {
	if err := s.coordinator.Close(); err != nil {
		s.logger.Warn("cli.coordinator.close.error", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("cli.telemetry.shutdown.error", "error", err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func envName(flag string) string {
	return strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
