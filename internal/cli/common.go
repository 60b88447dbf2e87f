package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
)

// Version information for memcx binaries
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-19"
)

// CommitSHA is set during build with -ldflags.
var CommitSHA = "unknown"

// VersionInfo contains version and build information
type VersionInfo struct {
	Version     string `json:"version"`
	BuildDate   string `json:"build_date"`
	CommitSHA   string `json:"commit_sha"`
	GoVersion   string `json:"go_version"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	HostVersion string `json:"host_version,omitempty"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo(hostVersion string) *VersionInfo {
	return &VersionInfo{
		Version:     Version,
		BuildDate:   BuildDate,
		CommitSHA:   CommitSHA,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		HostVersion: hostVersion,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(w io.Writer, toolName string, info *VersionInfo, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "%s v%s\n", toolName, info.Version)
	fmt.Fprintf(w, "Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Fprintf(w, "Commit: %s\n", info.CommitSHA)
	}
	if info.HostVersion != "" {
		fmt.Fprintf(w, "Host Version: %s\n", info.HostVersion)
	}
	fmt.Fprintf(w, "Go Version: %s\n", info.GoVersion)
	_, err := fmt.Fprintf(w, "Platform: %s/%s\n", info.Platform, info.Arch)
	return err
}
