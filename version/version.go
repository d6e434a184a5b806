// Package version exposes the registry's build metadata: the release
// version stamped at build time and the module information embedded by
// the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the release version, overridden at build time via
// -ldflags "-X github.com/kellnr/kellnr/version.Version=x.y.z".
var Version = "dev"

// DependencyInfo is one module dependency of the running binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the build-time information reported by the version
// endpoint. The CLI --version flag prints only Version.
type BuildInfo struct {
	Version      string           `json:"version"`
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts the module information embedded in the binary.
func GetBuildInfo() *BuildInfo {
	out := &BuildInfo{
		Version:      Version,
		GoVersion:    "unknown",
		MainModule:   "unknown",
		Dependencies: []DependencyInfo{},
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = info.GoVersion
	out.MainModule = info.Path
	for _, dep := range info.Deps {
		d := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			d.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, d)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})
	return out
}
