package debugsession

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/validation"
)

// installInternalBreakpoints sets a line-0 breakpoint-by-URL-regex for the
// entry file and every user breakpoint's source file (spec §4.6 step 3):
// this sidesteps the race where a user breakpoint set before its script
// parses would otherwise silently never take effect.
func (s *Session) installInternalBreakpoints(ctx context.Context) error {
	urls := map[string]struct{}{}
	if s.config.Launch != nil && s.config.Launch.Entry != "" {
		urls[s.config.Launch.Entry] = struct{}{}
	}
	for _, bp := range s.config.InitialBreakpoints {
		if bp.URL != "" {
			urls[bp.URL] = struct{}{}
		}
	}

	var firstErr error
	for u := range urls {
		var result cdpSetBreakpointByURLResult
		err := s.client.Send(ctx, "Debugger.setBreakpointByUrl", cdpSetBreakpointByURLParams{
			LineNumber: 0,
			URLRegex:   escapeRegex(u),
		}, &result)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		s.internalBpIDs = append(s.internalBpIDs, result.BreakpointID)
		s.mu.Unlock()
	}
	return firstErr
}

// clearInternalBreakpoints removes every internal line-0 breakpoint
// installed by installInternalBreakpoints.
func (s *Session) clearInternalBreakpoints(ctx context.Context) {
	s.mu.Lock()
	ids := s.internalBpIDs
	s.internalBpIDs = nil
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.client.Send(ctx, "Debugger.removeBreakpoint", cdpRemoveBreakpointParams{BreakpointID: id}, nil); err != nil {
			logger.Warn("debug session %s: removing internal breakpoint %s: %v", s.id, id, err)
		}
	}
}

// applyInitialBreakpoints installs every configured BreakpointSpec (spec
// §4.6 step 6). Connect calls it after resuming past the entry pause and
// waiting only for Debugger.resumed; it does not wait for an internal
// line-0 breakpoint to pause the target first, so the breakpoints are
// installed while the target runs. Returns true if at least one resolved
// immediately.
func (s *Session) applyInitialBreakpoints(ctx context.Context) bool {
	resolvedAny := false
	for _, spec := range s.config.InitialBreakpoints {
		rec, err := s.installBreakpoint(ctx, spec)
		if err != nil {
			logger.Warn("debug session %s: installing breakpoint %+v: %v", s.id, spec, err)
			continue
		}
		if len(rec.Locations) > 0 {
			resolvedAny = true
		}
	}
	return resolvedAny
}

// pollBreakpointResolution polls briefly (default 2s) for pending
// (fallback-registered) breakpoints to resolve via onScriptParsed's
// upgrade path, per spec §4.6 step 7.
func (s *Session) pollBreakpointResolution(ctx context.Context) {
	deadline := time.Now().Add(s.breakpointPoll)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		pending := len(s.pendingUpgrades)
		s.mu.RUnlock()
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(breakpointPollInterval):
		}
	}
}

// SetBreakpoint installs one breakpoint, returning its record. Safe to call
// both before the initial pause resolves (via Connect's InitialBreakpoints)
// and afterward, against a running or paused session.
func (s *Session) SetBreakpoint(ctx context.Context, spec BreakpointSpec) (*BreakpointRecord, error) {
	if err := validation.ValidateBreakpointLocation(spec.URL, spec.ScriptID); err != nil {
		return nil, funnelerr.Wrap(funnelerr.Protocol, s.id, "set_breakpoint", err)
	}
	return s.installBreakpoint(ctx, spec)
}

// RemoveBreakpoint removes a previously installed breakpoint by its
// BreakpointRecord ID.
func (s *Session) RemoveBreakpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.breakpoints[id]
	if ok {
		delete(s.breakpoints, id)
	}
	s.mu.Unlock()
	if !ok {
		return funnelerr.New(funnelerr.TargetNotFound, id, "no such breakpoint")
	}
	if rec.Pending {
		// Still pending an upgrade: drop the upgrade reference so a later
		// scriptParsed does not reinstall it, then remove the by-URL
		// fallback that CDP already holds.
		s.removePendingUpgrade(rec)
	}
	return s.client.Send(ctx, "Debugger.removeBreakpoint", cdpRemoveBreakpointParams{BreakpointID: rec.ID}, nil)
}

// installBreakpoint resolves spec's source location (via the source map
// when one covers it), snaps to a possible breakpoint column with
// Debugger.getPossibleBreakpoints, and sets a precise breakpoint with
// Debugger.setBreakpoint. If the target script hasn't parsed yet, it falls
// back to Debugger.setBreakpointByUrl and registers a pending upgrade.
func (s *Session) installBreakpoint(ctx context.Context, spec BreakpointSpec) (*BreakpointRecord, error) {
	rec := &BreakpointRecord{ID: uuid.NewString(), Spec: spec}

	scriptID := spec.ScriptID
	line, column := spec.LineNumber, spec.ColumnNumber

	if scriptID == "" {
		if id, genLine, genColumn, ok := s.translateAuthorLocation(spec.URL, line, column); ok {
			scriptID, line, column = id, genLine, genColumn
		} else if id, ok := s.scriptIDForURL(spec.URL); ok {
			scriptID = id
		}
	}

	if scriptID == "" {
		return s.installFallback(ctx, spec, rec)
	}

	line, column = s.snapToPossibleBreakpoint(ctx, scriptID, line, column)

	var result cdpSetBreakpointResult
	err := s.client.Send(ctx, "Debugger.setBreakpoint", cdpSetBreakpointParams{
		Location:  cdpLocation{ScriptID: scriptID, LineNumber: line, ColumnNumber: column},
		Condition: spec.Condition,
	}, &result)
	if err != nil {
		return s.installFallback(ctx, spec, rec)
	}

	rec.ID = result.BreakpointID
	rec.Locations = []ResolvedLocation{{
		ScriptID:     result.ActualLocation.ScriptID,
		LineNumber:   result.ActualLocation.LineNumber,
		ColumnNumber: result.ActualLocation.ColumnNumber,
	}}

	s.mu.Lock()
	s.breakpoints[rec.ID] = rec
	s.mu.Unlock()
	return rec, nil
}

func (s *Session) installFallback(ctx context.Context, spec BreakpointSpec, rec *BreakpointRecord) (*BreakpointRecord, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("breakpoint on unparsed scriptId %q has no url fallback", spec.ScriptID)
	}

	var result cdpSetBreakpointByURLResult
	err := s.client.Send(ctx, "Debugger.setBreakpointByUrl", cdpSetBreakpointByURLParams{
		LineNumber: spec.LineNumber,
		URL:        spec.URL,
		Condition:  spec.Condition,
	}, &result)
	if err != nil {
		return nil, funnelerr.Wrap(funnelerr.Capacity, s.id, "setBreakpointByUrl", err)
	}

	rec.ID = result.BreakpointID
	rec.Pending = true
	rec.PendingUpgradeKey = spec.URL

	s.mu.Lock()
	s.breakpoints[rec.ID] = rec
	s.pendingUpgrades[spec.URL] = append(s.pendingUpgrades[spec.URL], rec)
	s.mu.Unlock()
	return rec, nil
}

// upgradeOne installs a precise breakpoint for a script that just parsed,
// then removes the fallback one — install-before-remove, so coverage is
// never lost (spec §9).
func (s *Session) upgradeOne(meta *ScriptMetadata, rec *BreakpointRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	line, column := rec.Spec.LineNumber, rec.Spec.ColumnNumber
	if meta.Consumer != nil {
		if pos, ok := meta.Consumer.GetGenerated(rec.Spec.URL, line, column); ok {
			line, column = pos.Line, pos.Column
		}
	}
	line, column = s.snapToPossibleBreakpoint(ctx, meta.ScriptID, line, column)

	var result cdpSetBreakpointResult
	err := s.client.Send(ctx, "Debugger.setBreakpoint", cdpSetBreakpointParams{
		Location:  cdpLocation{ScriptID: meta.ScriptID, LineNumber: line, ColumnNumber: column},
		Condition: rec.Spec.Condition,
	}, &result)
	if err != nil {
		logger.Warn("debug session %s: upgrading pending breakpoint %s: %v", s.id, rec.ID, err)
		return
	}

	oldID := rec.ID
	s.mu.Lock()
	delete(s.breakpoints, oldID)
	rec.ID = result.BreakpointID
	rec.Pending = false
	rec.Locations = []ResolvedLocation{{
		ScriptID:     result.ActualLocation.ScriptID,
		LineNumber:   result.ActualLocation.LineNumber,
		ColumnNumber: result.ActualLocation.ColumnNumber,
	}}
	s.breakpoints[rec.ID] = rec
	s.mu.Unlock()

	if err := s.client.Send(ctx, "Debugger.removeBreakpoint", cdpRemoveBreakpointParams{BreakpointID: oldID}, nil); err != nil {
		logger.Warn("debug session %s: removing superseded fallback breakpoint %s: %v", s.id, oldID, err)
	}
}

func (s *Session) snapToPossibleBreakpoint(ctx context.Context, scriptID string, line, column int) (int, int) {
	var result cdpGetPossibleBreakpointsResult
	err := s.client.Send(ctx, "Debugger.getPossibleBreakpoints", cdpGetPossibleBreakpointsParams{
		Start: cdpLocation{ScriptID: scriptID, LineNumber: line, ColumnNumber: column},
		End:   cdpLocation{ScriptID: scriptID, LineNumber: line + 1, ColumnNumber: 0},
	}, &result)
	if err != nil || len(result.Locations) == 0 {
		return line, column
	}
	best := result.Locations[0]
	for _, loc := range result.Locations {
		if loc.LineNumber == line && loc.ColumnNumber >= column {
			return loc.LineNumber, loc.ColumnNumber
		}
	}
	return best.LineNumber, best.ColumnNumber
}

// translateAuthorLocation looks for a parsed script whose loaded source map
// covers url, translating an original (author) line/column into that
// script's generated coordinates. Used when a breakpoint is set against a
// pre-transpilation source file rather than the script Node actually runs.
func (s *Session) translateAuthorLocation(url string, line, column int) (scriptID string, genLine, genColumn int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, meta := range s.scripts {
		if meta.Consumer == nil {
			continue
		}
		if pos, ok := meta.Consumer.GetGenerated(url, line, column); ok {
			return id, pos.Line, pos.Column, true
		}
	}
	return "", 0, 0, false
}

func (s *Session) scriptIDForURL(u string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.urlToScriptID[u]
	return id, ok
}

func (s *Session) removePendingUpgrade(rec *BreakpointRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.pendingUpgrades[rec.PendingUpgradeKey]
	for i, r := range records {
		if r == rec {
			s.pendingUpgrades[rec.PendingUpgradeKey] = append(records[:i], records[i+1:]...)
			break
		}
	}
}
