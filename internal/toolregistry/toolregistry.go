// Package toolregistry implements the Tool Registry of spec §4.9: the
// single place ToolRecord entries live, and the only place visibility
// policy (exposeTools/hideTools/alwaysVisibleTools/exposeCoreTools) is
// evaluated.
package toolregistry

import (
	"path"
	"sort"
	"sync"

	"github.com/mcp-funnel/funnel/internal/validation"
)

// ExposureReason records why a tool ended up visible, for the stats
// surface spec §4.9 calls out ("by exposure reason").
type ExposureReason string

const (
	ReasonCore      ExposureReason = "core"
	ReasonAllowlist ExposureReason = "allowlist"
	ReasonEnabled   ExposureReason = "enabled"
	ReasonDefault   ExposureReason = "default"
	ReasonNone      ExposureReason = "" // not exposed
)

// ToolRecord is the spec §3 entity: identity, flags, and provenance.
type ToolRecord struct {
	OriginalName string
	ServerName   string // empty for a core tool
	FullName     string // serverName + "__" + originalName, or bare name for core tools
	Description  string
	InputSchema  any

	Discovered bool
	Enabled    bool
	Exposed    bool
	Reason     ExposureReason
}

// Policy is the registry's visibility configuration (spec §4.9, §6).
type Policy struct {
	ExposeTools        []string
	HideTools          []string
	AlwaysVisibleTools []string
	ExposeCoreTools    bool
}

// Registry stores every known ToolRecord keyed by FullName and recomputes
// visibility on every enumeration.
type Registry struct {
	mu     sync.RWMutex
	policy Policy
	tools  map[string]*ToolRecord
	order  []string // insertion order, for deterministic listing
}

// New constructs an empty Registry under the given policy.
func New(policy Policy) *Registry {
	return &Registry{policy: policy, tools: make(map[string]*ToolRecord)}
}

// SetPolicy replaces the visibility policy; every currently stored tool is
// re-evaluated on the next enumeration (policy is applied live, not
// snapshotted at registration time, per spec §4.9: "recomputed on policy
// change").
func (r *Registry) SetPolicy(policy Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// RegisterCoreTool adds an always-discovered, server-less tool (e.g. a
// debugger operation bound at the Request Dispatcher layer). Core tools
// are not exposed unless ExposeCoreTools is set; when it is, they are
// exposed irrespective of the other pattern lists.
func (r *Registry) RegisterCoreTool(name, description string, schema any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(&ToolRecord{
		OriginalName: name,
		FullName:     name,
		Description:  description,
		InputSchema:  schema,
		Discovered:   true,
		Enabled:      true,
	})
}

// RegisterServerTools replaces the tool set discovered from one child
// server (spec §4.8: "register each tool into the Tool Registry under
// serverName__originalName").
func (r *Registry) RegisterServerTools(serverName string, tools []ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		t := r.tools[name]
		if t.ServerName == serverName {
			delete(r.tools, name)
		}
	}
	r.order = filterOutServer(r.order, r.tools, serverName)

	for _, td := range tools {
		full := serverName + "__" + td.Name
		r.putLocked(&ToolRecord{
			OriginalName: td.Name,
			ServerName:   serverName,
			FullName:     full,
			Description:  "[" + serverName + "] " + td.Description,
			InputSchema:  td.InputSchema,
			Discovered:   true,
			Enabled:      true,
		})
	}
}

// ToolDescriptor is the server-agnostic shape a Target Server Connection
// hands the registry — deliberately not `*mcp.Tool` so this package has no
// compile-time dependency on the MCP SDK.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema any
}

func filterOutServer(order []string, tools map[string]*ToolRecord, serverName string) []string {
	out := order[:0:0]
	for _, name := range order {
		if t, ok := tools[name]; !ok || t.ServerName == serverName {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (r *Registry) putLocked(t *ToolRecord) {
	if _, exists := r.tools[t.FullName]; !exists {
		r.order = append(r.order, t.FullName)
	}
	r.tools[t.FullName] = t
}

// RemoveServer drops every ToolRecord owned by serverName (spec §3:
// "removed when the owning connection is permanently closed").
func (r *Registry) RemoveServer(serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		if t, ok := r.tools[name]; ok && t.ServerName == serverName {
			delete(r.tools, name)
		}
	}
	r.order = filterOutServer(r.order, r.tools, serverName)
}

// Get returns the ToolRecord for fullName with its Exposed/Reason fields
// freshly evaluated, or false if unknown.
func (r *Registry) Get(fullName string) (ToolRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[fullName]
	if !ok {
		return ToolRecord{}, false
	}
	rec := *t
	rec.Exposed, rec.Reason = r.evaluateLocked(rec)
	return rec, true
}

// List returns every registered tool in discovery order with Exposed/Reason
// freshly evaluated.
func (r *Registry) List() []ToolRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolRecord, 0, len(r.order))
	for _, name := range r.order {
		t := *r.tools[name]
		t.Exposed, t.Reason = r.evaluateLocked(t)
		out = append(out, t)
	}
	return out
}

// ListVisible returns only the exposed subset of List, spec §4.10's
// "merged visible tools".
func (r *Registry) ListVisible() []ToolRecord {
	all := r.List()
	out := make([]ToolRecord, 0, len(all))
	for _, t := range all {
		if t.Exposed {
			out = append(out, t)
		}
	}
	return out
}

// evaluateLocked applies spec §4.9's five ordered visibility rules. Must be
// called while r.mu is held (for read or write).
func (r *Registry) evaluateLocked(t ToolRecord) (bool, ExposureReason) {
	isCore := t.ServerName == ""
	if isCore {
		if r.policy.ExposeCoreTools {
			return true, ReasonCore
		}
		return false, ReasonNone
	}

	if matchesAny(r.policy.AlwaysVisibleTools, t.FullName) {
		return true, ReasonAllowlist
	}

	var exposed bool
	var reason ExposureReason
	if len(r.policy.ExposeTools) > 0 {
		exposed = matchesAny(r.policy.ExposeTools, t.FullName)
		reason = ReasonEnabled
	} else {
		exposed = t.Enabled
		reason = ReasonDefault
	}

	if exposed && matchesAny(r.policy.HideTools, t.FullName) {
		return false, ReasonNone
	}
	if !exposed {
		return false, ReasonNone
	}
	return true, reason
}

// matchesAny reports whether name matches any shell-glob pattern in
// patterns (spec §4.9 rule 5: "shell-style * globbing against the full
// namespaced name"). Invalid patterns (already rejected at config-load
// time by validation.ValidateGlobPatterns) never match.
func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Stats is the spec §4.9 enumeration summary: "counts by
// discovered/enabled/exposed, by server, by exposure reason".
type Stats struct {
	Discovered int
	Enabled    int
	Exposed    int
	ByServer   map[string]int
	ByReason   map[ExposureReason]int
}

// ComputeStats summarizes the current registry contents.
func (r *Registry) ComputeStats() Stats {
	all := r.List()
	stats := Stats{ByServer: make(map[string]int), ByReason: make(map[ExposureReason]int)}
	for _, t := range all {
		if t.Discovered {
			stats.Discovered++
		}
		if t.Enabled {
			stats.Enabled++
		}
		if t.Exposed {
			stats.Exposed++
			stats.ByServer[serverLabel(t)]++
			stats.ByReason[t.Reason]++
		}
	}
	return stats
}

func serverLabel(t ToolRecord) string {
	if t.ServerName == "" {
		return "core"
	}
	return t.ServerName
}

// ValidatePolicy checks every pattern list in policy compiles as a glob
// (spec §4.9 rule 5), surfacing config mistakes at load time rather than
// at first enumeration.
func ValidatePolicy(policy Policy) error {
	if err := validation.ValidateGlobPatterns(policy.ExposeTools); err != nil {
		return err
	}
	if err := validation.ValidateGlobPatterns(policy.HideTools); err != nil {
		return err
	}
	if err := validation.ValidateGlobPatterns(policy.AlwaysVisibleTools); err != nil {
		return err
	}
	return nil
}

// SortedServerNames returns the distinct server names currently holding at
// least one ToolRecord, sorted for deterministic diagnostics output.
func (r *Registry) SortedServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, name := range r.order {
		if t := r.tools[name]; t.ServerName != "" {
			seen[t.ServerName] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
