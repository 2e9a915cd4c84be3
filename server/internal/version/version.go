// Package version reports the build of the server binary.
package version

// Version and Commit are set at build time via
//
//	-ldflags "-X github.com/obot-platform/buildbox/server/internal/version.Version=v1.2.3"
//
// Development builds report "main".
var (
	Version = "main"
	Commit  = ""
)

// Get returns the version string, suffixed with the short commit when known.
func Get() string {
	if Commit == "" {
		return Version
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return Version + "+" + c
}
