package litehalt

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.LockSuffix != "-lock" {
		t.Fatalf("expected lock suffix -lock, got %q", cfg.LockSuffix)
	}
	if cfg.LockMode != 0o666 {
		t.Fatalf("expected lock mode 0666, got %v", cfg.LockMode)
	}
	if cfg.HaltOffset != 72 {
		t.Fatalf("expected halt offset 72, got %d", cfg.HaltOffset)
	}
	if cfg.MaxHold != 0 || cfg.AcquireTimeout != 0 {
		t.Fatalf("expected unbounded hold and wait, got %v/%v", cfg.MaxHold, cfg.AcquireTimeout)
	}
	if cfg.IdleEntries != DefaultIdleEntries {
		t.Fatalf("expected idle entries %d, got %d", DefaultIdleEntries, cfg.IdleEntries)
	}
	if cfg.WatchLockFile {
		t.Fatal("expected lock file watch disabled by default")
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "negative max hold", cfg: Config{MaxHold: -time.Second}},
		{name: "negative acquire timeout", cfg: Config{AcquireTimeout: -time.Second}},
		{name: "negative offset", cfg: Config{HaltOffset: -1}},
		{name: "negative idle entries", cfg: Config{IdleEntries: -1}},
		{name: "suffix with separator", cfg: Config{LockSuffix: "/lock"}},
		{name: "mode with type bits", cfg: Config{LockMode: os.ModeDir | 0o644}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", tc.cfg)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LITEHALT_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}

	t.Setenv("LITEHALT_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != filepath.Join(dir, ".litehalt") {
		t.Fatalf("unexpected default config dir %q", got)
	}
}
