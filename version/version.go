// Package version provides the icarus version strings.
package version

import (
	_ "embed"
	"runtime"
	"strings"
)

// You can override buildVersion at compile time by using:
//
//  go run -ldflags "-X github.com/icarus-hq/icarus/version.buildVersion=abc" . --version
//
// On CI, the binaries are always built with the buildVersion variable set.

//go:embed VERSION
var baseVersion string
var buildVersion string

func Version() string {
	return strings.TrimSpace(baseVersion)
}

func BuildVersion() string {
	if buildVersion == "" {
		return "x"
	}
	return buildVersion
}

func UserAgent() string {
	return "icarus/" + Version() + "." + BuildVersion() + " (" + runtime.GOOS + "; " + runtime.GOARCH + ")"
}

// FullVersion is the version plus build metadata, as shown by --version.
func FullVersion() string {
	return Version() + " build " + BuildVersion()
}
