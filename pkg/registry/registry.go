// Package registry implements the Capability Registry (spec §4.3): it fuses
// the tool/prompt/resource lists reported by every connected server into one
// namespace, prefixing names on collision, and supports server-scoped
// eviction when a connection is torn down.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/mcp-agentrun/pkg/mcpclient"
)

// EntryKind distinguishes the three capability families fused by the
// registry.
type EntryKind string

const (
	EntryTool     EntryKind = "tool"
	EntryPrompt   EntryKind = "prompt"
	EntryResource EntryKind = "resource"
)

// Entry is one fused capability: its original server, its name as the
// server reported it, the possibly-prefixed name callers use to address it,
// and the underlying descriptor.
type Entry struct {
	Kind         EntryKind
	ServerName   string
	OriginalName string
	Name         string
	Prefixed     bool
	Tool         *mcpclient.Tool
	Prompt       *mcpclient.Prompt
	Resource     *mcpclient.Resource
}

// serverCapabilities is the raw, unprefixed discovery result for one
// server, kept around so the fused index can be fully recomputed whenever
// membership changes.
type serverCapabilities struct {
	tools     []mcpclient.Tool
	prompts   []mcpclient.Prompt
	resources []mcpclient.Resource
}

// Registry holds the fused, name-collision-resolved capability set across
// every connected server. The fused index is rebuilt from scratch on every
// mutation rather than incrementally patched, which keeps the collision
// rule ("first bare-name claimant wins; every later collider gets
// prefixed") simple to reason about and to keep correct as servers attach
// and detach in any order. "First" means the order servers were first
// registered, not lexical order: a monotonic sequence number is assigned
// the first time a server name is seen and survives later re-registrations
// of that server.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]serverCapabilities
	order   map[string]int64
	nextSeq int64
	byName  map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		servers: make(map[string]serverCapabilities),
		order:   make(map[string]int64),
		byName:  make(map[string]*Entry),
	}
}

// prefixedName builds the collision-disambiguated name, per spec §4.3:
// "<serverName>__<originalName>".
func prefixedName(serverName, originalName string) string {
	return fmt.Sprintf("%s__%s", serverName, originalName)
}

// RegisterServer replaces everything previously registered for serverName
// with the tools/prompts/resources just discovered from it, then rebuilds
// the fused index.
func (r *Registry) RegisterServer(serverName string, tools []mcpclient.Tool, prompts []mcpclient.Prompt, resources []mcpclient.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.order[serverName]; !seen {
		r.nextSeq++
		r.order[serverName] = r.nextSeq
	}
	r.servers[serverName] = serverCapabilities{tools: tools, prompts: prompts, resources: resources}
	r.rebuildLocked()
}

// RemoveServer evicts everything contributed by serverName, per spec §4.3
// server-scoped removal, then rebuilds the fused index.
func (r *Registry) RemoveServer(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, serverName)
	delete(r.order, serverName)
	r.rebuildLocked()
}

// claimant is one server's bid for a bare capability name.
type claimant struct {
	serverName string
	entry      *Entry
}

// rebuildLocked recomputes byName from the raw per-server capability sets.
// Claimants are grouped per (kind, originalName); a name claimed by exactly
// one server keeps its bare form. A name claimed by more than one server
// goes to the first registrant bare and prefixes every later claimant, per
// spec §4.3 ("the first registration wins the bare name").
func (r *Registry) rebuildLocked() {
	groups := make(map[string][]claimant)

	// Iterate server names in registration order (the sequence number
	// assigned the first time each name was registered) so that, within a
	// collision group, claims[0] is always the first registrant -
	// deterministically, regardless of map iteration order.
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return r.order[names[i]] < r.order[names[j]] })

	for _, serverName := range names {
		caps := r.servers[serverName]
		for i := range caps.tools {
			addClaim(groups, EntryTool, caps.tools[i].Name, serverName, &Entry{
				Kind: EntryTool, ServerName: serverName, OriginalName: caps.tools[i].Name, Tool: &caps.tools[i],
			})
		}
		for i := range caps.prompts {
			addClaim(groups, EntryPrompt, caps.prompts[i].Name, serverName, &Entry{
				Kind: EntryPrompt, ServerName: serverName, OriginalName: caps.prompts[i].Name, Prompt: &caps.prompts[i],
			})
		}
		for i := range caps.resources {
			addClaim(groups, EntryResource, caps.resources[i].URI, serverName, &Entry{
				Kind: EntryResource, ServerName: serverName, OriginalName: caps.resources[i].URI, Resource: &caps.resources[i],
			})
		}
	}

	byName := make(map[string]*Entry, len(groups))
	for key, claims := range groups {
		kind, originalName := splitGroupKey(key)

		winner := claims[0]
		winner.entry.Name = originalName
		winner.entry.Prefixed = false
		byName[indexKey(kind, originalName)] = winner.entry

		for _, c := range claims[1:] {
			c.entry.Name = prefixedName(c.serverName, originalName)
			c.entry.Prefixed = true
			byName[indexKey(kind, c.entry.Name)] = c.entry
		}
	}
	r.byName = byName
}

func addClaim(groups map[string][]claimant, kind EntryKind, originalName, serverName string, entry *Entry) {
	key := indexKey(kind, originalName)
	groups[key] = append(groups[key], claimant{serverName: serverName, entry: entry})
}

func indexKey(kind EntryKind, name string) string {
	return string(kind) + ":" + name
}

func splitGroupKey(key string) (EntryKind, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return EntryKind(key[:i]), key[i+1:]
		}
	}
	return "", key
}

// GetAll returns every registered entry across all servers.
func (r *Registry) GetAll() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}

// GetByServer returns every entry contributed by serverName, under its
// current (possibly prefixed) addressable name.
func (r *Registry) GetByServer(serverName string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range r.byName {
		if e.ServerName == serverName {
			out = append(out, e)
		}
	}
	return out
}

// GetByName looks up a single entry of the given kind by its addressable
// name (bare or prefixed).
func (r *Registry) GetByName(kind EntryKind, name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[indexKey(kind, name)]
	return e, ok
}
