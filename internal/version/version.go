// Package version carries the build version string, overridable at link
// time with -ldflags "-X github.com/flowlexi/patchvec/internal/version.Version=v1.2.3".
package version

// Version is the service version reported by health endpoints and the CLI.
var Version = "dev"
