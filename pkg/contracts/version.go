package contracts

import (
	"fmt"
	"runtime"
)

// APIVersion names the versioned route prefix, /api/v1.
const APIVersion = "v1"

// Build metadata. The build script overrides these with -ldflags -X.
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo is served by GET /version and printed by keyctl version.
type VersionInfo struct {
	Version      string `json:"version"`
	APIVersion   string `json:"api_version"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		APIVersion:   APIVersion,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// GetVersionString returns "<product> License Server v<version>".
func GetVersionString(product string) string {
	return fmt.Sprintf("%s License Server v%s", product, Version)
}

// GetFullVersionString appends build metadata to GetVersionString.
func GetFullVersionString(product string) string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s (built: %s, commit: %s, go: %s, os: %s/%s)",
		GetVersionString(product), info.BuildTime, info.GitCommit, info.GoVersion, info.OS, info.Architecture)
}
