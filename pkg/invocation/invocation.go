// Package invocation implements the Invocation Engine (spec §4.4): tool
// calls validated against the server's advertised JSON Schema, prompt
// resolution with CLI-style argument parsing, and resource reads with MIME
// classification and human-readable sizing.
package invocation

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	mcperrors "github.com/stacklok/mcp-agentrun/pkg/errors"
	"github.com/stacklok/mcp-agentrun/pkg/mcpclient"
	"github.com/stacklok/mcp-agentrun/pkg/registry"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Engine dispatches tool/prompt/resource invocations against a capability
// registry, using each entry's connected client to perform the call.
type Engine struct {
	reg     *registry.Registry
	clients func(serverName string) (*mcpclient.Client, bool)
}

// New builds an Engine. clientLookup resolves a server name to its
// currently connected client (normally connection.Manager.Client).
func New(reg *registry.Registry, clientLookup func(serverName string) (*mcpclient.Client, bool)) *Engine {
	return &Engine{reg: reg, clients: clientLookup}
}

// CallTool validates args against the tool's advertised inputSchema (when
// present) and dispatches the call, per spec §4.4.
func (e *Engine) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	entry, ok := e.reg.GetByName(registry.EntryTool, name)
	if !ok {
		return nil, mcperrors.New(mcperrors.KindToolError, fmt.Sprintf("unknown tool %q", name), nil)
	}

	if len(entry.Tool.InputSchema) > 0 {
		if err := validateAgainstSchema(entry.Tool.InputSchema, args); err != nil {
			return nil, mcperrors.New(mcperrors.KindValidationError, fmt.Sprintf("tool %q arguments invalid", name), err)
		}
	}

	client, ok := e.clients(entry.ServerName)
	if !ok {
		return nil, mcperrors.New(mcperrors.KindNotConnected, fmt.Sprintf("server %q not connected", entry.ServerName), nil)
	}

	result, err := client.CallTool(ctx, entry.OriginalName, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validateAgainstSchema compiles schemaBytes as a JSON Schema and validates
// value against it.
func validateAgainstSchema(schemaBytes []byte, value any) error {
	var doc any
	if err := unmarshalAny(schemaBytes, &doc); err != nil {
		return fmt.Errorf("parsing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceID = "inputSchema.json"
	if err := compiler.AddResource(resourceID, doc); err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}
	schema, err := compiler.Compile(resourceID)
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}

	// jsonschema validates against decoded JSON values (map[string]any,
	// []any, etc), so round-trip the arguments through JSON to normalize
	// Go-native types the same way the wire format would.
	var normalized any
	if err := roundTripJSON(value, &normalized); err != nil {
		return fmt.Errorf("normalizing arguments: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		return err
	}
	return nil
}

// GetPrompt resolves a prompt by name, parsing argString as either
// "key=value key2=value2" pairs or positional values assigned to the
// prompt's declared arguments in order, per the supplemented CLI-style
// argument parsing feature.
func (e *Engine) GetPrompt(ctx context.Context, name string, argString string) (any, error) {
	entry, ok := e.reg.GetByName(registry.EntryPrompt, name)
	if !ok {
		return nil, mcperrors.New(mcperrors.KindPromptNotFound, fmt.Sprintf("unknown prompt %q", name), nil)
	}

	args, err := parsePromptArgs(argString, entry.Prompt.Arguments)
	if err != nil {
		return nil, mcperrors.New(mcperrors.KindValidationError, fmt.Sprintf("prompt %q arguments invalid", name), err)
	}

	for _, decl := range entry.Prompt.Arguments {
		if decl.Required {
			if _, ok := args[decl.Name]; !ok {
				return nil, mcperrors.New(mcperrors.KindValidationError,
					fmt.Sprintf("prompt %q missing required argument %q", name, decl.Name), nil)
			}
		}
	}

	client, ok := e.clients(entry.ServerName)
	if !ok {
		return nil, mcperrors.New(mcperrors.KindNotConnected, fmt.Sprintf("server %q not connected", entry.ServerName), nil)
	}
	return client.GetPrompt(ctx, entry.OriginalName, args)
}

// parsePromptArgs accepts either "name=value" tokens (in any order) or bare
// tokens assigned positionally to decl in declaration order; the two forms
// are not mixed within one call.
func parsePromptArgs(argString string, decl []mcpclient.PromptArgument) (map[string]string, error) {
	fields := strings.Fields(argString)
	out := make(map[string]string, len(fields))
	if len(fields) == 0 {
		return out, nil
	}

	named := strings.Contains(fields[0], "=")
	for i, f := range fields {
		if named {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				return nil, fmt.Errorf("argument %q is not in key=value form", f)
			}
			out[k] = v
			continue
		}
		if i >= len(decl) {
			return nil, fmt.Errorf("too many positional arguments: expected at most %d", len(decl))
		}
		out[decl[i].Name] = f
	}
	return out, nil
}

// ResourceClass is the coarse MIME classification used to decide how a
// resource's content should be presented.
type ResourceClass string

const (
	ResourceText   ResourceClass = "text"
	ResourceBinary ResourceClass = "binary"
)

// ReadResource fetches a resource by URI, resolving any RFC 6570-style URI
// template variables first, and classifies it as text-like or binary-like
// per its MIME type.
func (e *Engine) ReadResource(ctx context.Context, uri string, vars map[string]string) (ResourceClass, []byte, string, error) {
	entry, ok := e.reg.GetByName(registry.EntryResource, uri)
	if !ok {
		return "", nil, "", mcperrors.New(mcperrors.KindResourceNotFound, fmt.Sprintf("unknown resource %q", uri), nil)
	}

	resolvedURI := expandURITemplate(entry.OriginalName, vars)

	client, ok := e.clients(entry.ServerName)
	if !ok {
		return "", nil, "", mcperrors.New(mcperrors.KindNotConnected, fmt.Sprintf("server %q not connected", entry.ServerName), nil)
	}

	raw, err := client.ReadResource(ctx, resolvedURI)
	if err != nil {
		return "", nil, "", err
	}

	class := classifyMime(entry.Resource.MimeType)
	size := humanize.Bytes(uint64(len(raw)))
	return class, raw, size, nil
}

// classifyMime buckets a MIME type as text-like or binary-like, per spec
// §4.4's resource presentation rule.
func classifyMime(mime string) ResourceClass {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "text/"):
		return ResourceText
	case mime == "application/json", mime == "application/xml", mime == "application/yaml",
		strings.HasSuffix(mime, "+json"), strings.HasSuffix(mime, "+xml"):
		return ResourceText
	default:
		return ResourceBinary
	}
}

// expandURITemplate substitutes "{var}" placeholders with percent-encoded
// values from vars, per the supplemented URI-template resolution feature.
func expandURITemplate(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", percentEncode(v))
	}
	return out
}

const hexDigits = "0123456789ABCDEF"

// percentEncode escapes everything but RFC 3986 unreserved characters.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	default:
		return false
	}
}
