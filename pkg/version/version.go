// Package version identifies the running build in logs, the health
// endpoint, and user agent strings.
package version

import "runtime/debug"

// AppName prefixes every version string.
const AppName = "edward"

// commit is injected with -ldflags "-X .../pkg/version.commit=<sha>" for
// builds without VCS metadata, such as container image builds.
var commit string

// Commit is the short hash identifying this build, "dev" when neither
// ldflags nor the embedded build info carry one.
var Commit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full renders "edward/<commit>".
func Full() string {
	return AppName + "/" + Commit
}
