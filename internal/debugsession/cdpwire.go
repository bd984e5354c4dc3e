package debugsession

// Wire shapes for the subset of the Chrome DevTools Protocol's Runtime and
// Debugger domains a Debug Session speaks (spec §4.4/§4.6). Kept minimal:
// only the fields this package reads or writes.

type cdpLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

type cdpScriptParsedParams struct {
	ScriptID     string `json:"scriptId"`
	URL          string `json:"url"`
	SourceMapURL string `json:"sourceMapURL"`
}

type cdpRemoteObject struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	ClassName   string `json:"className,omitempty"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
	ObjectID    string `json:"objectId,omitempty"`
}

type cdpScope struct {
	Type   string           `json:"type"`
	Name   string           `json:"name,omitempty"`
	Object *cdpRemoteObject `json:"object,omitempty"`
}

type cdpCallFrame struct {
	CallFrameID  string      `json:"callFrameId"`
	FunctionName string      `json:"functionName"`
	Location     cdpLocation `json:"location"`
	URL          string      `json:"url"`
	ScopeChain   []cdpScope  `json:"scopeChain"`
}

type cdpPausedParams struct {
	CallFrames     []cdpCallFrame   `json:"callFrames"`
	Reason         string           `json:"reason"`
	HitBreakpoints []string         `json:"hitBreakpoints"`
	Data           *cdpRemoteObject `json:"data,omitempty"`
}

type cdpSetBreakpointByURLParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url,omitempty"`
	URLRegex     string `json:"urlRegex,omitempty"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

type cdpSetBreakpointByURLResult struct {
	BreakpointID string        `json:"breakpointId"`
	Locations    []cdpLocation `json:"locations"`
}

type cdpSetBreakpointParams struct {
	Location  cdpLocation `json:"location"`
	Condition string      `json:"condition,omitempty"`
}

type cdpSetBreakpointResult struct {
	BreakpointID   string      `json:"breakpointId"`
	ActualLocation cdpLocation `json:"actualLocation"`
}

type cdpGetPossibleBreakpointsParams struct {
	Start cdpLocation `json:"start"`
	End   cdpLocation `json:"end,omitempty"`
}

type cdpGetPossibleBreakpointsResult struct {
	Locations []cdpLocation `json:"locations"`
}

type cdpRemoveBreakpointParams struct {
	BreakpointID string `json:"breakpointId"`
}

type cdpContinueToLocationParams struct {
	Location cdpLocation `json:"location"`
}

type cdpEvaluateParams struct {
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type cdpEvaluateOnCallFrameParams struct {
	CallFrameID   string `json:"callFrameId"`
	Expression    string `json:"expression"`
	ReturnByValue bool   `json:"returnByValue"`
}

type cdpExceptionDetails struct {
	Text string `json:"text"`
}

type cdpEvaluateResult struct {
	Result           cdpRemoteObject      `json:"result"`
	ExceptionDetails *cdpExceptionDetails `json:"exceptionDetails,omitempty"`
}

type cdpGetPropertiesParams struct {
	ObjectID      string `json:"objectId"`
	OwnProperties bool   `json:"ownProperties"`
}

type cdpPropertyDescriptor struct {
	Name  string           `json:"name"`
	Value *cdpRemoteObject `json:"value,omitempty"`
}

type cdpGetPropertiesResult struct {
	Result []cdpPropertyDescriptor `json:"result"`
}
