// Package version holds the application version string.
package version

// Version is overridden at release build time via
// -ldflags "-X github.com/Kirorus/osm-batch-downloader/pkg/version.Version=...".
var Version = "0.1.0"
