// Package version exposes the library's build version, set at release
// time via -ldflags:
//
//	go build -ldflags "-X github.com/tradewire/exkit/version.Version=1.2.0"
package version

import "fmt"

// Version is the library version, "dev" for untagged builds.
var Version = "dev"

// UserAgent returns the User-Agent value sent with outbound HTTP
// requests.
func UserAgent() string {
	return fmt.Sprintf("exkit/%s", Version)
}
