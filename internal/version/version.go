// Package version reports the litehalt build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/litehalt"

// buildVersion is set via -ldflags "-X pkt.systems/litehalt/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	BuiltAt   time.Time
	Modified  bool
	GoVersion string
}

// Read collects Info from build settings. Fields that are unknown stay empty.
func Read() Info {
	info := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		info = fromBuildInfo(bi, info)
	}
	if v := strings.TrimSpace(buildVersion); v != "" {
		info.Version = v
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the module path from build info when available.
func Module() string { return Read().Module }

func fromBuildInfo(bi *debug.BuildInfo, info Info) Info {
	if bi == nil {
		return info
	}
	if p := strings.TrimSpace(bi.Main.Path); p != "" {
		info.Module = p
	}
	info.GoVersion = bi.GoVersion
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				info.BuiltAt = t.UTC()
			}
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	switch v := strings.TrimSpace(bi.Main.Version); {
	case v != "" && v != "(devel)":
		info.Version = v
	case info.Revision != "" && !info.BuiltAt.IsZero():
		info.Version = pseudoVersion(info.BuiltAt, info.Revision, info.Modified)
	}
	return info
}

// pseudoVersion follows the Go module pseudo-version layout with a +dirty
// marker for modified trees.
func pseudoVersion(at time.Time, revision string, modified bool) string {
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
