package shellctx

import (
	"os"
	"sort"
	"strings"
)

// sensitiveMarkers flag an environment variable as secret-bearing when its
// name contains any of them, case-insensitively.
var sensitiveMarkers = []string{"key", "token", "pass", "secret"}

const redactedValue = "***"

// sensitiveName reports whether an environment variable name looks like it
// holds a credential.
func sensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// EnvironmentContext renders the environment as "NAME=value" lines, one per
// variable, with sensitive values redacted. When names is non-empty only
// those variables are included (still redacted); unset names are skipped.
func EnvironmentContext(names []string) string {
	if len(names) > 0 {
		var lines []string
		for _, name := range names {
			value, ok := os.LookupEnv(name)
			if !ok {
				continue
			}
			lines = append(lines, renderVar(name, value))
		}
		return strings.Join(lines, "\n")
	}

	environ := os.Environ()
	sort.Strings(environ)
	lines := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		lines = append(lines, renderVar(name, value))
	}
	return strings.Join(lines, "\n")
}

func renderVar(name, value string) string {
	if sensitiveName(name) {
		return name + "=" + redactedValue
	}
	return name + "=" + value
}
