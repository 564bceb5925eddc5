// Package version reports the build identity of the tinyhttpd binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/tinyhttpd"

// buildVersion is set with -ldflags "-X pkt.systems/tinyhttpd/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info is the build identity printed by the version command and logged at
// startup.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Dirty    bool
	Go       string
}

// Read collects Info from the linker flag and the embedded build info.
func Read() Info {
	info := Info{Module: defaultModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "v0.0.0-unknown"
		}
		return info
	}
	info.Go = bi.GoVersion
	if p := strings.TrimSpace(bi.Main.Path); p != "" {
		info.Module = p
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				info.Time = t.UTC()
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	if info.Version == "" {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else {
			info.Version = info.pseudo()
		}
	}
	return info
}

// pseudo derives a module-style pseudo version from VCS stamps.
func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Dirty {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }
