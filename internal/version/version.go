// Package version holds the build version string, overridden at link time:
//
//	-ldflags "-X github.com/xiaoyubing999/openakita-sub001/internal/version.Version=v0.3.0"
package version

var Version = "dev"
