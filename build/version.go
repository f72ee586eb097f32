package build

import (
	"fmt"
	"strings"
)

const (
	// AppMajor is the major version of the wallet.
	AppMajor uint = 0

	// AppMinor is the minor version of the wallet.
	AppMinor uint = 3

	// AppPatch is the patch version of the wallet.
	AppPatch uint = 0

	// AppPreRelease is appended to the version when non-empty.
	AppPreRelease = "beta"
)

// Commit is the git commit the binaries were built from. It is set at link
// time with -ldflags "-X github.com/lightningnetwork/hdwallet/build.Commit=".
var Commit string

// Version returns the semantic version of the wallet.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if AppPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, AppPreRelease)
	}

	return version
}

// FullVersion returns the version followed by the commit, if known.
func FullVersion() string {
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		return Version()
	}

	return fmt.Sprintf("%s commit=%s", Version(), commit)
}
