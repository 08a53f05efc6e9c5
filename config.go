package litehalt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/litehalt/internal/lease"
	"pkt.systems/litehalt/internal/lockfile"
)

const (
	// DefaultLockSuffix is appended to the database path to name its lock file.
	DefaultLockSuffix = lockfile.DefaultSuffix
	// DefaultLockMode is the permission forced onto a newly created lock file.
	DefaultLockMode = lockfile.DefaultMode
	// DefaultHaltOffset is the byte of the lock file that replication observes.
	DefaultHaltOffset = lockfile.HaltByte
	// DefaultMaxHold is zero: a halt is held until the operation returns.
	DefaultMaxHold = time.Duration(0)
	// DefaultAcquireTimeout is zero: acquisition waits as long as the context allows.
	DefaultAcquireTimeout = time.Duration(0)
	// DefaultIdleEntries caps cached per-database bookkeeping entries.
	DefaultIdleEntries = lease.DefaultIdleEntries
	// DefaultMetricsListen is empty; metrics are only served when configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures how halts are taken.
type Config struct {
	// LockSuffix names the lock file as <database><LockSuffix>.
	LockSuffix string
	// LockMode is applied to the lock file when it is created.
	LockMode os.FileMode
	// HaltOffset is the locked byte. Zero selects DefaultHaltOffset.
	HaltOffset int64
	// MaxHold force-releases a halt that outlives it. Zero disables the limit.
	MaxHold time.Duration
	// AcquireTimeout bounds the wait for a halt. Zero waits until the context ends.
	AcquireTimeout time.Duration
	// IdleEntries caps the per-database entries kept while nothing is held.
	IdleEntries int
	// WatchLockFile force-releases a halt whose lock file is removed or
	// replaced while held.
	WatchLockFile bool
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects invalid settings.
func (c *Config) Validate() error {
	c.LockSuffix = strings.TrimSpace(c.LockSuffix)
	if c.LockSuffix == "" {
		c.LockSuffix = DefaultLockSuffix
	}
	if strings.ContainsRune(c.LockSuffix, filepath.Separator) {
		return fmt.Errorf("config: lock suffix %q must not contain a path separator", c.LockSuffix)
	}
	if c.LockMode == 0 {
		c.LockMode = DefaultLockMode
	}
	if c.LockMode&^os.ModePerm != 0 {
		return fmt.Errorf("config: lock mode %v must only carry permission bits", c.LockMode)
	}
	if c.HaltOffset == 0 {
		c.HaltOffset = DefaultHaltOffset
	} else if c.HaltOffset < 0 {
		return fmt.Errorf("config: halt offset must be >= 0")
	}
	if c.MaxHold < 0 {
		return fmt.Errorf("config: max hold must be >= 0")
	}
	if c.AcquireTimeout < 0 {
		return fmt.Errorf("config: acquire timeout must be >= 0")
	}
	if c.IdleEntries == 0 {
		c.IdleEntries = DefaultIdleEntries
	} else if c.IdleEntries < 0 {
		return fmt.Errorf("config: idle entries must be >= 0")
	}
	return nil
}

func (c Config) leaseConfig() lease.Config {
	return lease.Config{
		Suffix:        c.LockSuffix,
		Mode:          c.LockMode,
		Offset:        c.HaltOffset,
		IdleEntries:   c.IdleEntries,
		WatchLockFile: c.WatchLockFile,
	}
}

func (c Config) lockOptions() lockfile.Options {
	return lockfile.Options{Mode: c.LockMode, Offset: c.HaltOffset}
}

// DefaultConfigDir returns the default configuration directory ($HOME/.litehalt).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LITEHALT_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".litehalt"), nil
}
