package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/litehalt"
	"pkt.systems/litehalt/internal/snapshot"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage litehalt configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.litehalt/" + litehalt.DefaultConfigFileName
	if dir, err := litehalt.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, litehalt.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default litehalt configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := litehalt.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, litehalt.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the flag names so the generated file can be read
// back through viper unchanged.
type configDefaults struct {
	LogLevel         string           `yaml:"log-level"`
	LockSuffix       string           `yaml:"lock-suffix"`
	LockMode         string           `yaml:"lock-mode"`
	HaltOffset       int64            `yaml:"halt-offset"`
	MaxHold          string           `yaml:"max-hold"`
	AcquireTimeout   string           `yaml:"acquire-timeout"`
	WatchLockFile    bool             `yaml:"watch-lock-file"`
	OTLPEndpoint     string           `yaml:"otlp-endpoint"`
	MetricsListen    string           `yaml:"metrics-listen"`
	PprofListen      string           `yaml:"pprof-listen"`
	ProfilingMetrics bool             `yaml:"profiling-metrics"`
	Snapshot         snapshotDefaults `yaml:"snapshot"`
}

type snapshotDefaults struct {
	To             string `yaml:"to"`
	Prefix         string `yaml:"prefix"`
	SpoolDir       string `yaml:"spool-dir"`
	RetryAttempts  int    `yaml:"retry-attempts"`
	RetryBaseDelay string `yaml:"retry-base-delay"`
	RetryMaxDelay  string `yaml:"retry-max-delay"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := litehalt.DefaultConfig()
	defaults := configDefaults{
		LogLevel:       "info",
		LockSuffix:     cfg.LockSuffix,
		LockMode:       fmt.Sprintf("%#o", cfg.LockMode),
		HaltOffset:     cfg.HaltOffset,
		MaxHold:        cfg.MaxHold.String(),
		AcquireTimeout: cfg.AcquireTimeout.String(),
		WatchLockFile:  cfg.WatchLockFile,
		MetricsListen:  litehalt.DefaultMetricsListen,
		Snapshot: snapshotDefaults{
			RetryAttempts:  snapshot.DefaultRetryMaxAttempts,
			RetryBaseDelay: snapshot.DefaultRetryBaseDelay.String(),
			RetryMaxDelay:  snapshot.DefaultRetryMaxDelay.String(),
		},
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
