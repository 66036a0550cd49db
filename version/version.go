package version

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"
)

// Build-time variables set via -ldflags
var (
	Version   = "unknown"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info represents version information
type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildDate time.Time `json:"build_date"`
	Go        string    `json:"go,omitempty"`
}

// GetInfo returns the current version information
func GetInfo() Info {
	info := Info{
		Version: Version,
		Commit:  Commit,
	}

	if BuildDate != "unknown" && BuildDate != "" {
		if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
			info.BuildDate = t.UTC()
		}
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Go = bi.GoVersion
	}

	return info
}

// String returns the version info as a formatted string
func (i Info) String() string {
	s := fmt.Sprintf("Version: %s", i.Version)
	if i.Commit != "unknown" && i.Commit != "" {
		s += fmt.Sprintf("\nCommit:  %s", i.Commit)
	}
	if !i.BuildDate.IsZero() {
		s += fmt.Sprintf("\nBuilt:   %s", i.BuildDate.Format("2006-01-02 15:04:05 UTC"))
	}
	if i.Go != "" {
		s += fmt.Sprintf("\nGo:      %s", i.Go)
	}
	return s
}

// JSON returns the version info as JSON
func (i Info) JSON() (string, error) {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
