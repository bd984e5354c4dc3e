package config

import "testing"

func TestParseServersArray(t *testing.T) {
	raw := []byte(`[{"name":"b","command":"b-cmd"},{"name":"a","command":"a-cmd"}]`)
	servers, err := parseServers(raw)
	if err != nil {
		t.Fatalf("parseServers: %v", err)
	}
	if len(servers) != 2 || servers[0].Name != "b" || servers[1].Name != "a" {
		t.Fatalf("array form should preserve declared order, got %+v", servers)
	}
}

func TestParseServersMapSortsByName(t *testing.T) {
	raw := []byte(`{"zeta":{"command":"z-cmd"},"alpha":{"command":"a-cmd"}}`)
	servers, err := parseServers(raw)
	if err != nil {
		t.Fatalf("parseServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Name != "alpha" || servers[1].Name != "zeta" {
		t.Fatalf("map form should normalize to sorted-by-key order, got %+v", servers)
	}
	if servers[0].Command != "a-cmd" || servers[1].Command != "z-cmd" {
		t.Fatalf("map values not carried through, got %+v", servers)
	}
}

func TestParseServersEmpty(t *testing.T) {
	servers, err := parseServers(nil)
	if err != nil {
		t.Fatalf("parseServers(nil): %v", err)
	}
	if servers != nil {
		t.Fatalf("expected nil for absent servers field, got %+v", servers)
	}
}

func TestParseDocumentStripsComments(t *testing.T) {
	data := []byte(`{
		// a child server
		"servers": [{"name": "fs", "command": "mcp-fs"}],
		"exposeCoreTools": false
	}`)
	doc, err := parseDocument(data)
	if err != nil {
		t.Fatalf("parseDocument: %v", err)
	}
	if len(doc.Servers) != 1 || doc.Servers[0].Name != "fs" {
		t.Fatalf("unexpected servers: %+v", doc.Servers)
	}
	if doc.ExposeCoreTools {
		t.Fatalf("exposeCoreTools should be false when explicitly set")
	}
}

func TestMergeIntoArraysReplaceNotConcatenate(t *testing.T) {
	base := &Document{ExposeTools: []string{"fs.*", "git.*"}}
	override := &Document{ExposeTools: []string{"only.one"}}

	merged := MergeInto(base, override)
	if len(merged.ExposeTools) != 1 || merged.ExposeTools[0] != "only.one" {
		t.Fatalf("arrays must replace, not concatenate: got %+v", merged.ExposeTools)
	}
}

func TestMergeIntoObjectsMergeKeyWise(t *testing.T) {
	base := &Document{AutoReconnect: ReconnectPolicy{
		Enabled: true, MaxAttempts: 10, InitialDelayMs: 1000, BackoffMultiplier: 2.0, MaxDelayMs: 60_000,
	}}
	override := &Document{AutoReconnect: ReconnectPolicy{MaxAttempts: 3}}

	merged := MergeInto(base, override)
	if merged.AutoReconnect.MaxAttempts != 3 {
		t.Fatalf("expected override's MaxAttempts to win, got %d", merged.AutoReconnect.MaxAttempts)
	}
	if merged.AutoReconnect.InitialDelayMs != 1000 {
		t.Fatalf("unset override fields should keep base value, got %d", merged.AutoReconnect.InitialDelayMs)
	}
}

func TestMergeIntoPreservesBaseWhenOverrideFieldAbsent(t *testing.T) {
	base := &Document{Servers: []ServerSpec{{Name: "fs"}}}
	override := &Document{}

	merged := MergeInto(base, override)
	if len(merged.Servers) != 1 || merged.Servers[0].Name != "fs" {
		t.Fatalf("absent override field must not clobber base, got %+v", merged.Servers)
	}
}
