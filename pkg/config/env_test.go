package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveEnv(t *testing.T) {
	t.Parallel()
	lookup := func(name string) (string, bool) {
		if name == "HOME" {
			return "/home/agent", true
		}
		return "", false
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braces", "${HOME}/bin", "/home/agent/bin"},
		{"bare", "$HOME/bin", "/home/agent/bin"},
		{"missing no default", "${MISSING}/bin", "/bin"},
		{"missing with default", "${MISSING:-/opt/default}/bin", "/opt/default/bin"},
		{"present ignores default", "${HOME:-/opt/default}/bin", "/home/agent/bin"},
		{"no placeholders", "plain/path", "plain/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ResolveEnv(tt.in, lookup))
		})
	}
}

func TestResolveEnvMap(t *testing.T) {
	t.Parallel()
	lookup := func(string) (string, bool) { return "", false }
	out := ResolveEnvMap(map[string]string{"X": "${MISSING:-fallback}"}, lookup)
	assert.Equal(t, "fallback", out["X"])
}
