package tools

import "os"

// passthroughEnv lists the variables commands and hooks inherit. Anything
// else, API keys included, is dropped.
var passthroughEnv = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM", "TMPDIR",
	"LANG", "LC_ALL", "NO_COLOR", "CI",
	"GOPATH", "GOROOT", "GOCACHE", "GOMODCACHE", "GOFLAGS", "GOPROXY",
	"CARGO_HOME", "RUSTUP_HOME",
}

// SanitizedEnv returns the set passthrough variables followed by extra
// KEY=VALUE pairs.
func SanitizedEnv(extra ...string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(extra))
	for _, key := range passthroughEnv {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return append(env, extra...)
}
