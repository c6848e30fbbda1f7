// Package config defines the on-disk server descriptor contract (spec §6)
// and the data shapes that feed the Connection Manager. It owns decoding
// only -- the human-facing configuration UX (flags, wizards, env-file
// merging) is an external collaborator per the specification's scope.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
)

// StderrMode controls how a stdio child process's stderr stream is handled.
type StderrMode string

const (
	StderrInherit StderrMode = "inherit"
	StderrPipe    StderrMode = "pipe"
	StderrIgnore  StderrMode = "ignore"
)

// ToolFilter restricts which tools a server's discovery registers. Include
// takes priority over Exclude; an empty filter admits everything.
type ToolFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Admits reports whether name passes this filter.
func (f *ToolFilter) Admits(name string) bool {
	if f == nil {
		return true
	}
	if len(f.Include) > 0 {
		for _, n := range f.Include {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range f.Exclude {
		if n == name {
			return false
		}
	}
	return true
}

// OAuthConfig is the descriptor-embedded OAuth configuration referenced by
// spec §3 ("optional oauth? config").
type OAuthConfig struct {
	ClientID         string            `json:"clientId"`
	ClientSecret     string            `json:"clientSecret,omitempty"`
	AuthorizationURL string            `json:"authorizationUrl"`
	TokenURL         string            `json:"tokenUrl"`
	RedirectURI      string            `json:"redirectUri,omitempty"`
	Scopes           []string          `json:"scopes,omitempty"`
	Audience         string            `json:"audience,omitempty"`
	ExtraParams      map[string]string `json:"extraParams,omitempty"`
}

// ServerDescriptor is the connection recipe for one MCP server, per spec §3.
// At least one of Command or URL must be set; when both are, URL wins and
// the http variant is selected (see Kind).
type ServerDescriptor struct {
	// Stdio variant.
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	StderrMode StderrMode        `json:"stderr,omitempty"`

	// HTTP variant.
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty"`

	// Common.
	Disabled   bool         `json:"disabled,omitempty"`
	ToolFilter *ToolFilter  `json:"toolFilter,omitempty"`
	OAuth      *OAuthConfig `json:"oauth,omitempty"`
}

// Kind reports which transport variant this descriptor selects, mirroring
// the Transport Factory predicate in spec §4.1.
func (d ServerDescriptor) Kind() (string, error) {
	switch {
	case d.URL != "":
		return "http", nil
	case d.Command != "":
		return "stdio", nil
	default:
		return "", mcperrors.New(mcperrors.KindServerSpecIncomplete,
			"descriptor has neither command nor url", nil)
	}
}

// descriptorFile is the on-disk JSON envelope from spec §6.
type descriptorFile struct {
	MCPServers map[string]ServerDescriptor `json:"mcpServers"`
}

// LoadServerDescriptors reads and decodes the server descriptor file at
// path, returning a map keyed by server name.
func LoadServerDescriptors(path string) (map[string]ServerDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindIOError, fmt.Sprintf("reading %s", path), err)
	}
	return ParseServerDescriptors(data)
}

// ParseServerDescriptors decodes the descriptor file envelope from raw JSON.
func ParseServerDescriptors(data []byte) (map[string]ServerDescriptor, error) {
	var f descriptorFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, mcperrors.New(mcperrors.KindSchemaInvalid, "invalid server descriptor JSON", err)
	}
	for name, d := range f.MCPServers {
		if _, err := d.Kind(); err != nil {
			return nil, mcperrors.New(mcperrors.KindServerSpecIncomplete,
				fmt.Sprintf("server %q: must set either command or url", name), nil)
		}
	}
	return f.MCPServers, nil
}
