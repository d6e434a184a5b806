// Package toolchain distributes toolchain builds: it stores per-target
// archives, tracks which named channel points at which build, and
// renders the channel manifest that rustup-style installers consume.
package toolchain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kellnr/kellnr/db"
)

// archiveFilename is the storage filename convention for a target's
// archive: <name>-<version>-<target>.tar.xz under the build's date.
func archiveFilename(name, version, target string) string {
	return fmt.Sprintf("%s-%s-%s.tar.xz", name, version, target)
}

// StoragePath renders the relative storage path recorded on a
// ToolchainTarget row and echoed into manifest download URLs.
func StoragePath(date, name, version, target string) string {
	return date + "/" + archiveFilename(name, version, target)
}

// Manifest renders the channel manifest for a toolchain: manifest
// version, build date, the package version, and one availability block
// per target with its download URL and hash. Targets are emitted in
// lexical order so equal inputs render byte-equal manifests.
func Manifest(t *db.Toolchain, originURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "manifest-version = \"2\"\n")
	fmt.Fprintf(&b, "date = %q\n", t.Date)
	fmt.Fprintf(&b, "\n[pkg.rust]\n")
	fmt.Fprintf(&b, "version = %q\n", t.Version)

	targets := make([]db.ToolchainTarget, len(t.Targets))
	copy(targets, t.Targets)
	sort.Slice(targets, func(i, j int) bool { return targets[i].Target < targets[j].Target })

	for _, target := range targets {
		fmt.Fprintf(&b, "\n[pkg.rust.target.%s]\n", target.Target)
		fmt.Fprintf(&b, "available = true\n")
		fmt.Fprintf(&b, "url = %q\n", originURL+"/dist/"+target.StoragePath)
		fmt.Fprintf(&b, "hash = %q\n", target.Hash)
	}
	return b.String()
}
