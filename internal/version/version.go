// Package version provides build and version information for the InfraMinds agent core.
package version

// Version is the current release version of the agent core.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/inframinds/agentcore/internal/version.Version=x.y.z"
var Version = "1.0.0"
