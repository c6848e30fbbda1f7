package config

import (
	"os"
	"regexp"
	"strings"
)

// envPattern matches ${VAR}, ${VAR:-default} and $VAR forms.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ResolveEnv expands ${VAR}, $VAR, and ${VAR:-default} references in s
// against lookup (normally os.LookupEnv, injectable for tests). Missing
// variables resolve to the empty string unless a ":-default" fallback is
// present, per spec §4.1 and the §9 resolution of the open question around
// the ":-default" form.
func ResolveEnv(s string, lookup func(string) (string, bool)) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		name := sub[1]
		fallback := sub[2]
		if name == "" {
			name = sub[3]
		}
		if v, ok := lookup(name); ok {
			return v
		}
		if strings.HasPrefix(fallback, ":-") {
			return strings.TrimPrefix(fallback, ":-")
		}
		return ""
	})
}

// ResolveEnvMap applies ResolveEnv to every value in a template env map,
// used to build a stdio child process's environment from a ServerDescriptor.
func ResolveEnvMap(tmpl map[string]string, lookup func(string) (string, bool)) map[string]string {
	out := make(map[string]string, len(tmpl))
	for k, v := range tmpl {
		out[k] = ResolveEnv(v, lookup)
	}
	return out
}
