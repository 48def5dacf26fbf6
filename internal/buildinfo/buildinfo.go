// Package buildinfo exposes version metadata injected with -ldflags.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the injected values, falling back to the VCS revision stamped by the Go toolchain.
func Info() map[string]string {
	out := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out["go"] = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if out["commit"] == "" {
					out["commit"] = s.Value
				}
			case "vcs.time":
				if out["builtAt"] == "" {
					out["builtAt"] = s.Value
				}
			}
		}
	}
	return out
}
