// Package version holds the build version, set with -ldflags "-X mediabrief/internal/version.Version=...".
package version

// Version is the application version.
var Version = "0.1.0"
