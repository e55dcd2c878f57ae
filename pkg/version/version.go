// Package version exposes the application version derived from build
// metadata. Go 1.18+ embeds VCS info into the binary via
// runtime/debug.BuildInfo, so no -ldflags are required.
package version

import "runtime/debug"

// AppName is used in version strings and log banners.
const AppName = "redstring-bridge"

// GitCommit is the short git commit hash from build info, or "dev" when
// build info is unavailable (e.g. `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 8 {
				return s.Value[:8]
			}
			return s.Value
		}
	}
	return "dev"
}

// Full returns "redstring-bridge/<commit>" for user-agent strings and
// logging.
func Full() string {
	return AppName + "/" + GitCommit
}
