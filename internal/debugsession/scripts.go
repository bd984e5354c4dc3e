package debugsession

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/mcp-funnel/funnel/internal/logger"
)

// onScriptParsed handles `Debugger.scriptParsed`: records the script under
// the LRU cap, lazily loads its source map, and upgrades any fallback
// (setBreakpointByUrl) breakpoint record waiting on this script (spec §4.6
// Script lifecycle).
func (s *Session) onScriptParsed(params json.RawMessage) {
	var p cdpScriptParsedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	meta := &ScriptMetadata{
		ScriptID:     p.ScriptID,
		URL:          p.URL,
		SourceMapURL: p.SourceMapURL,
		BaseName:     path.Base(stripQuery(p.URL)),
		Dir:          path.Dir(stripQuery(p.URL)),
	}

	s.recordScript(meta)

	if meta.SourceMapURL != "" && s.mapper != nil {
		go s.loadSourceMapAndUpgrade(meta)
	}

	// Catches pending breakpoints keyed by this script's own (generated)
	// URL/base name; author-path keys are retried once the source map (if
	// any) finishes loading, see loadSourceMapAndUpgrade.
	s.upgradePendingBreakpoints(meta)

	if s.handlers.OnScriptParsed != nil {
		s.handlers.OnScriptParsed(*meta)
	}
}

// recordScript inserts/updates scripts under the LRU cap, evicting the
// least-recently-touched entry when the cap is exceeded.
func (s *Session) recordScript(meta *ScriptMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scripts[meta.ScriptID]; exists {
		s.touchScriptLocked(meta.ScriptID)
		s.scripts[meta.ScriptID] = meta
		s.urlToScriptID[meta.URL] = meta.ScriptID
		return
	}

	s.scripts[meta.ScriptID] = meta
	s.urlToScriptID[meta.URL] = meta.ScriptID
	s.scriptOrder = append(s.scriptOrder, meta.ScriptID)

	for len(s.scriptOrder) > s.scriptCacheCap {
		evictID := s.scriptOrder[0]
		s.scriptOrder = s.scriptOrder[1:]
		if evicted, ok := s.scripts[evictID]; ok {
			delete(s.urlToScriptID, evicted.URL)
		}
		delete(s.scripts, evictID)
	}
}

func (s *Session) touchScriptLocked(scriptID string) {
	for i, id := range s.scriptOrder {
		if id == scriptID {
			s.scriptOrder = append(s.scriptOrder[:i], s.scriptOrder[i+1:]...)
			break
		}
	}
	s.scriptOrder = append(s.scriptOrder, scriptID)
}

func (s *Session) scriptByID(scriptID string) (*ScriptMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.scripts[scriptID]
	return m, ok
}

// loadSourceMapAndUpgrade loads meta's source map off Connect()'s own
// timeout (so it isn't cancelled by it), then retries the pending-breakpoint
// upgrade match now that the map's author Sources() are known — a breakpoint
// keyed by an author path (e.g. app.ts) can only match once the generated
// script's map is loaded.
func (s *Session) loadSourceMapAndUpgrade(meta *ScriptMetadata) {
	mapURL := resolveSourceMapURL(meta.URL, meta.SourceMapURL)
	consumer, err := s.mapper.Load(context.Background(), mapURL)
	if err != nil {
		logger.Warn("debug session %s: loading source map for %s: %v", s.id, meta.URL, err)
		return
	}
	s.mu.Lock()
	if m, ok := s.scripts[meta.ScriptID]; ok {
		m.Consumer = consumer
	}
	s.mu.Unlock()
	s.upgradePendingBreakpoints(meta)
}

// upgradePendingBreakpoints matches a newly parsed script against any
// fallback-registered breakpoint waiting on it, by exact URL, normalized
// absolute path, base name, or (once loaded) one of its source map's author
// Sources() — first match wins (spec §9). New precise breakpoints are
// installed before the fallback one is removed, so there is never a window
// with zero coverage.
func (s *Session) upgradePendingBreakpoints(meta *ScriptMetadata) {
	s.mu.RLock()
	var sources []string
	if meta.Consumer != nil {
		sources = meta.Consumer.Sources()
	}
	s.mu.RUnlock()
	keys := candidateKeys(meta.URL, meta.BaseName, sources)

	s.mu.Lock()
	var matched []*BreakpointRecord
	for _, key := range keys {
		if records, ok := s.pendingUpgrades[key]; ok && len(records) > 0 {
			matched = append(matched, records...)
			delete(s.pendingUpgrades, key)
			break
		}
	}
	s.mu.Unlock()

	for _, rec := range matched {
		s.upgradeOne(meta, rec)
	}
}

func candidateKeys(scriptURL, baseName string, sources []string) []string {
	keys := []string{scriptURL}
	if strings.HasPrefix(scriptURL, "file://") {
		keys = append(keys, strings.TrimPrefix(scriptURL, "file://"))
	} else if u, err := url.Parse(scriptURL); err == nil && u.Path != "" {
		keys = append(keys, "file://"+u.Path)
	}
	if baseName != "" {
		keys = append(keys, baseName)
	}
	for _, src := range sources {
		keys = append(keys, src, path.Base(src))
	}
	return keys
}

func stripQuery(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	return rawURL
}

func resolveSourceMapURL(scriptURL, sourceMapURL string) string {
	if strings.HasPrefix(sourceMapURL, "data:") || strings.Contains(sourceMapURL, "://") {
		return sourceMapURL
	}
	base, err := url.Parse(scriptURL)
	if err != nil {
		return sourceMapURL
	}
	ref, err := url.Parse(sourceMapURL)
	if err != nil {
		return sourceMapURL
	}
	return base.ResolveReference(ref).String()
}

// convertCallFrames maps CDP call frames into the session's StackFrame
// vocabulary, annotating RelativePath from a loaded source map when one
// covers the frame's script.
func (s *Session) convertCallFrames(frames []cdpCallFrame) []StackFrame {
	out := make([]StackFrame, 0, len(frames))
	for _, f := range frames {
		sf := StackFrame{
			CallFrameID:  f.CallFrameID,
			FunctionName: f.FunctionName,
			URL:          f.URL,
			LineNumber:   f.Location.LineNumber,
			ColumnNumber: f.Location.ColumnNumber,
			ScopeChain:   convertScopes(f.ScopeChain),
		}
		if meta, ok := s.scriptByID(f.Location.ScriptID); ok && meta.Consumer != nil {
			if sourceID, pos, ok := meta.Consumer.GetOriginal(f.Location.LineNumber, f.Location.ColumnNumber); ok {
				sf.RelativePath = fmt.Sprintf("%s:%d:%d", sourceID, pos.Line, pos.Column)
			}
		}
		out = append(out, sf)
	}
	return out
}

func convertScopes(scopes []cdpScope) []Scope {
	out := make([]Scope, 0, len(scopes))
	for _, sc := range scopes {
		scope := Scope{Type: sc.Type, Name: sc.Name}
		if sc.Object != nil {
			scope.ObjectID = sc.Object.ObjectID
		}
		out = append(out, scope)
	}
	return out
}

// renderPrimitive renders a CDP remote object's scalar representation for
// display, without walking into its properties.
func renderPrimitive(obj *cdpRemoteObject) string {
	if obj == nil {
		return ""
	}
	if obj.Description != "" {
		return obj.Description
	}
	if obj.Value != nil {
		return fmt.Sprintf("%v", obj.Value)
	}
	return obj.ClassName
}
