package debugsession

import (
	"context"
	"fmt"

	"github.com/mcp-funnel/funnel/internal/funnelerr"
)

const (
	maxVariableDepth     = 3
	maxArrayElements     = 50  // elements kept once an array is truncated
	maxArrayElementsCap  = 100 // arrays truncate only once they exceed this
	maxObjectProps       = 50
	maxObjectPropsCap    = 50
	maxCollectionEntries = 20 // Map/Set entries kept, and the truncation threshold
)

// truncationLimits returns the size at which a value's own properties start
// truncating and how many are kept afterward, varying by display kind:
// arrays tolerate more entries before truncating than plain objects, and
// Map/Set collections truncate earlier (spec §4.6 Inspection).
func truncationLimits(kind string) (overThreshold, keepCount int) {
	switch kind {
	case "array":
		return maxArrayElementsCap, maxArrayElements
	case "map", "set":
		return maxCollectionEntries, maxCollectionEntries
	default:
		return maxObjectPropsCap, maxObjectProps
	}
}

// GetStackTrace returns the call frames latched at the last pause (spec
// §4.6 "Inspection: getStackTrace() — returns the latched call frames from
// the most recent pause").
func (s *Session) GetStackTrace() ([]StackFrame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Kind != StatePaused {
		return nil, funnelerr.New(funnelerr.StateViolation, s.id, "session is not paused")
	}
	out := make([]StackFrame, len(s.latchedFrames))
	copy(out, s.latchedFrames)
	return out, nil
}

// GetScopes returns the scope chain of one latched call frame.
func (s *Session) GetScopes(frameIndex int, includeGlobal bool) ([]Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Kind != StatePaused {
		return nil, funnelerr.New(funnelerr.StateViolation, s.id, "session is not paused")
	}
	if frameIndex < 0 || frameIndex >= len(s.latchedFrames) {
		return nil, funnelerr.New(funnelerr.TargetNotFound, s.id, fmt.Sprintf("no frame at index %d", frameIndex))
	}
	chain := s.latchedFrames[frameIndex].ScopeChain
	out := make([]Scope, 0, len(chain))
	for _, sc := range chain {
		if !includeGlobal && sc.Type == "global" {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// GetVariables walks a scope's object graph along path, expanding children
// up to maxDepth (default 3), truncating large arrays/objects/collections
// and breaking cycles by the stringified identity of each visited object
// (spec §4.6 "Inspection: getVariables").
func (s *Session) GetVariables(ctx context.Context, frameIndex int, path []PathSegment, maxDepth int) ([]Variable, error) {
	s.mu.RLock()
	paused := s.state.Kind == StatePaused
	var chain []Scope
	if paused && frameIndex >= 0 && frameIndex < len(s.latchedFrames) {
		chain = s.latchedFrames[frameIndex].ScopeChain
	}
	s.mu.RUnlock()

	if !paused {
		return nil, funnelerr.New(funnelerr.StateViolation, s.id, "session is not paused")
	}
	if chain == nil {
		return nil, funnelerr.New(funnelerr.TargetNotFound, s.id, fmt.Sprintf("no frame at index %d", frameIndex))
	}
	if maxDepth <= 0 {
		maxDepth = maxVariableDepth
	}

	if len(path) == 0 {
		var out []Variable
		for _, sc := range chain {
			children, err := s.expandObject(ctx, sc.ObjectID, maxDepth, map[string]bool{}, "")
			if err != nil {
				return nil, err
			}
			out = append(out, Variable{Name: sc.Name, Type: "scope", HasChildren: true, Children: children})
		}
		return out, nil
	}

	if len(chain) == 0 {
		return nil, funnelerr.New(funnelerr.TargetNotFound, s.id, "frame has no scopes")
	}
	objectID := chain[0].ObjectID
	kind := ""
	visited := map[string]bool{}
	for i, seg := range path {
		props, err := s.getProperties(ctx, objectID)
		if err != nil {
			return nil, err
		}
		name := seg.Name
		if seg.Index != nil {
			name = fmt.Sprintf("%d", *seg.Index)
		}
		found := false
		for _, p := range props {
			if p.Name == name && p.Value != nil {
				objectID = p.Value.ObjectID
				kind = tagType(p.Value)
				found = true
				break
			}
		}
		if !found {
			return nil, funnelerr.New(funnelerr.TargetNotFound, s.id, fmt.Sprintf("no property %q at path segment %d", name, i))
		}
		if objectID == "" {
			return nil, nil
		}
	}
	return s.expandObject(ctx, objectID, maxDepth, visited, kind)
}

func (s *Session) getProperties(ctx context.Context, objectID string) ([]cdpPropertyDescriptor, error) {
	if objectID == "" {
		return nil, nil
	}
	var result cdpGetPropertiesResult
	err := s.client.Send(ctx, "Runtime.getProperties", cdpGetPropertiesParams{
		ObjectID: objectID, OwnProperties: true,
	}, &result)
	if err != nil {
		return nil, funnelerr.Wrap(funnelerr.Transport, s.id, "Runtime.getProperties", err)
	}
	return result.Result, nil
}

// expandObject walks one object's own properties into Variables, applying
// the depth cap, cycle-breaking rules, and a size truncation keyed on kind
// ("array", "map", "set", or "" for a plain object/scope).
func (s *Session) expandObject(ctx context.Context, objectID string, depthRemaining int, visited map[string]bool, kind string) ([]Variable, error) {
	if objectID == "" || depthRemaining <= 0 {
		return nil, nil
	}
	if visited[objectID] {
		return []Variable{{Name: "(circular)", Type: "circular"}}, nil
	}
	visited[objectID] = true

	props, err := s.getProperties(ctx, objectID)
	if err != nil {
		return nil, err
	}

	overThreshold, keepCount := truncationLimits(kind)
	limit := len(props)
	truncated := false
	if limit > overThreshold {
		limit = keepCount
		truncated = true
	}

	out := make([]Variable, 0, limit)
	for i, p := range props {
		if i >= limit {
			break
		}
		out = append(out, s.convertProperty(ctx, p, depthRemaining, visited))
	}
	if truncated {
		out = append(out, Variable{Name: fmt.Sprintf("(%d more)", len(props)-limit), Type: "truncated"})
	}
	return out, nil
}

func (s *Session) convertProperty(ctx context.Context, p cdpPropertyDescriptor, depthRemaining int, visited map[string]bool) Variable {
	if p.Value == nil {
		return Variable{Name: p.Name, Type: "undefined"}
	}
	v := Variable{
		Name:     p.Name,
		Type:     tagType(p.Value),
		Value:    renderPrimitive(p.Value),
		ObjectID: p.Value.ObjectID,
	}
	if p.Value.ObjectID != "" && depthRemaining > 1 {
		v.HasChildren = true
		children, err := s.expandObject(ctx, p.Value.ObjectID, depthRemaining-1, visited, v.Type)
		if err == nil {
			v.Children = children
		}
	} else if p.Value.ObjectID != "" {
		v.HasChildren = true
	}
	return v
}

// tagType renders a CDP remote object's display type, tagging the
// subtypes the spec calls out by name (Date, RegExp, Map, Set, Symbol,
// function, bigint).
func tagType(obj *cdpRemoteObject) string {
	if obj == nil {
		return ""
	}
	switch obj.Type {
	case "function":
		return "function"
	case "symbol":
		return "symbol"
	case "bigint":
		return "bigint"
	}
	switch obj.Subtype {
	case "date":
		return "date"
	case "regexp":
		return "regexp"
	case "map":
		return "map"
	case "set":
		return "set"
	case "null":
		return "null"
	case "array":
		return "array"
	}
	if obj.ClassName != "" {
		return obj.ClassName
	}
	return obj.Type
}

// Evaluate runs expr against the latched top frame when paused, or the
// global runtime otherwise (spec §4.6 "Evaluation").
func (s *Session) Evaluate(ctx context.Context, expr string, frameIndex int) (EvalResult, error) {
	s.mu.RLock()
	paused := s.state.Kind == StatePaused
	var callFrameID string
	if paused && frameIndex >= 0 && frameIndex < len(s.latchedFrames) {
		callFrameID = s.latchedFrames[frameIndex].CallFrameID
	}
	s.mu.RUnlock()

	var result cdpEvaluateResult
	var err error
	if paused && callFrameID != "" {
		err = s.client.Send(ctx, "Debugger.evaluateOnCallFrame", cdpEvaluateOnCallFrameParams{
			CallFrameID: callFrameID, Expression: expr, ReturnByValue: false,
		}, &result)
	} else {
		err = s.client.Send(ctx, "Runtime.evaluate", cdpEvaluateParams{
			Expression: expr, ReturnByValue: false,
		}, &result)
	}
	if err != nil {
		return EvalResult{}, funnelerr.Wrap(funnelerr.Transport, s.id, "evaluate", err)
	}
	s.touch()
	if result.ExceptionDetails != nil {
		return EvalResult{Error: result.ExceptionDetails.Text}, nil
	}
	return EvalResult{Value: renderPrimitive(&result.Result), Type: tagType(&result.Result)}, nil
}
