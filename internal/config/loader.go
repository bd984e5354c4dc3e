package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// rawDocument mirrors Document but types Servers as json.RawMessage so
// UnmarshalJSON can accept either the ordered-array or name-keyed-map shape
// spec §6 allows ("servers: either ordered list or name-keyed map of
// ServerSpecs; normalized to a list at load time").
type rawDocument struct {
	Servers            json.RawMessage    `json:"servers"`
	ExposeTools        []string           `json:"exposeTools"`
	HideTools          []string           `json:"hideTools"`
	AlwaysVisibleTools []string           `json:"alwaysVisibleTools"`
	ExposeCoreTools    *bool              `json:"exposeCoreTools"`
	AutoReconnect      *ReconnectPolicy   `json:"autoReconnect"`
	Registries         []RegistryEndpoint `json:"registries"`
	Debugger           *DebuggerDefaults  `json:"debugger"`
}

// parseServers normalizes the "servers" field into an ordered slice. A
// name-keyed object is flattened in sorted-by-key order so that loading the
// same document twice produces the same ServerSpec order (tools/list
// ordering should be stable across restarts even though the spec doesn't
// mandate it).
func parseServers(raw json.RawMessage) ([]ServerSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []ServerSpec
	if err := json.Unmarshal(raw, &asList); err == nil {
		return asList, nil
	}

	var asMap map[string]ServerSpec
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("servers: expected array or object: %w", err)
	}

	names := make([]string, 0, len(asMap))
	for name := range asMap {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ServerSpec, 0, len(names))
	for _, name := range names {
		spec := asMap[name]
		if spec.Name == "" {
			spec.Name = name
		}
		out = append(out, spec)
	}
	return out, nil
}

// parseDocument parses one JSONC document into a Document, leaving unset
// fields zero-valued so MergeInto can tell "absent" from "explicitly
// empty".
func parseDocument(data []byte) (*Document, error) {
	stripped := StripJSONComments(data)

	var raw rawDocument
	if err := json.Unmarshal(stripped, &raw); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	servers, err := parseServers(raw.Servers)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Servers:            servers,
		ExposeTools:        raw.ExposeTools,
		HideTools:          raw.HideTools,
		AlwaysVisibleTools: raw.AlwaysVisibleTools,
		Registries:         raw.Registries,
	}
	if raw.ExposeCoreTools != nil {
		doc.ExposeCoreTools = *raw.ExposeCoreTools
	}
	if raw.AutoReconnect != nil {
		doc.AutoReconnect = *raw.AutoReconnect
	}
	if raw.Debugger != nil {
		doc.Debugger = *raw.Debugger
	}
	return doc, nil
}

// MergeInto layers override onto base per spec §6's stated precedence:
// "defaults ← user-global document ← project-local document (last wins;
// arrays replace rather than concatenate; objects merge key-wise)". Called
// with base=defaults, then base=result, override=global, then
// base=result, override=project-local.
func MergeInto(base *Document, override *Document) *Document {
	merged := *base

	if override.Servers != nil {
		merged.Servers = override.Servers
	}
	if override.ExposeTools != nil {
		merged.ExposeTools = override.ExposeTools
	}
	if override.HideTools != nil {
		merged.HideTools = override.HideTools
	}
	if override.AlwaysVisibleTools != nil {
		merged.AlwaysVisibleTools = override.AlwaysVisibleTools
	}
	if override.Registries != nil {
		merged.Registries = override.Registries
	}
	// ExposeCoreTools and the nested structs merge key-wise: a zero value
	// in the override means "not set" for every field we track, since the
	// JSON unmarshal step above only populates fields present in that
	// document's text.
	mergeReconnect(&merged.AutoReconnect, override.AutoReconnect)
	mergeDebugger(&merged.Debugger, override.Debugger)
	if override.ExposeCoreTools {
		merged.ExposeCoreTools = true
	}

	return &merged
}

func mergeReconnect(base *ReconnectPolicy, o ReconnectPolicy) {
	if o.MaxAttempts != 0 {
		base.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelayMs != 0 {
		base.InitialDelayMs = o.InitialDelayMs
	}
	if o.BackoffMultiplier != 0 {
		base.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.MaxDelayMs != 0 {
		base.MaxDelayMs = o.MaxDelayMs
	}
	if o.Enabled {
		base.Enabled = true
	}
}

func mergeDebugger(base *DebuggerDefaults, o DebuggerDefaults) {
	if o.SessionTimeoutMs != 0 {
		base.SessionTimeoutMs = o.SessionTimeoutMs
	}
	if o.IdleTimeoutMs != 0 {
		base.IdleTimeoutMs = o.IdleTimeoutMs
	}
	if o.ScriptCacheCap != 0 {
		base.ScriptCacheCap = o.ScriptCacheCap
	}
	if o.BreakpointPollMs != 0 {
		base.BreakpointPollMs = o.BreakpointPollMs
	}
	if o.SourceMapMaxBytes != 0 {
		base.SourceMapMaxBytes = o.SourceMapMaxBytes
	}
	if o.SourceMapTimeoutMs != 0 {
		base.SourceMapTimeoutMs = o.SourceMapTimeoutMs
	}
	if o.HousekeepingCron != "" {
		base.HousekeepingCron = o.HousekeepingCron
	}
}

// globalConfigPath returns the user-global document path:
// $XDG_CONFIG_HOME/funnel/config.jsonc, falling back to ~/.config/funnel.
func globalConfigPath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "funnel", "config.jsonc"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "funnel", "config.jsonc"), nil
}

// projectConfigPath returns the project-local document path:
// ./.funnel/config.jsonc.
func projectConfigPath() string {
	return filepath.Join(".funnel", "config.jsonc")
}

// loadIfExists parses the document at path if it exists, returning nil
// (not an error) when the file is absent.
func loadIfExists(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Load builds the effective configuration by merging, in order: compiled-in
// defaults, the user-global document, and the project-local document
// (spec §6). An explicit path, if non-empty, is merged last and wins over
// even the project-local document (used by --config on the CLI).
func Load(explicitPath string) (*Document, error) {
	merged := Defaults()

	globalPath, err := globalConfigPath()
	if err == nil {
		if doc, err := loadIfExists(globalPath); err != nil {
			return nil, err
		} else if doc != nil {
			merged = MergeInto(merged, doc)
		}
	}

	if doc, err := loadIfExists(projectConfigPath()); err != nil {
		return nil, err
	} else if doc != nil {
		merged = MergeInto(merged, doc)
	}

	if explicitPath != "" {
		doc, err := loadIfExists(explicitPath)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		merged = MergeInto(merged, doc)
	}

	return merged, nil
}
