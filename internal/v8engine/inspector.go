package v8engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// ChannelHeader is the header of an inspector channel, the sink for
// protocol responses and notifications of one session.
type ChannelHeader struct {
	vtable *ChannelVTable
}

type ChannelVTable struct {
	SendResponse               func(h *ChannelHeader, callID int, message []byte)
	SendNotification           func(h *ChannelHeader, message []byte)
	FlushProtocolNotifications func(h *ChannelHeader)
}

// ClientHeader is the header of the embedder's inspector client, which
// owns the nested message loop used while paused.
type ClientHeader struct {
	vtable *ClientVTable
}

type ClientVTable struct {
	RunMessageLoopOnPause   func(h *ClientHeader, contextGroupID int)
	QuitMessageLoopOnPause  func(h *ClientHeader)
	RunIfWaitingForDebugger func(h *ClientHeader, contextGroupID int)
}

var (
	channelVTable *ChannelVTable
	clientVTable  *ClientVTable
)

// RegisterInspectorVTables installs the host entry points for inspector
// headers.
func RegisterInspectorVTables(ch ChannelVTable, cl ClientVTable) {
	channelVTable = &ch
	clientVTable = &cl
}

func ConstructChannel(h *ChannelHeader) {
	if channelVTable == nil {
		panic("hostv8: inspector channel entry points are not registered")
	}
	h.vtable = channelVTable
}

func ConstructClient(h *ClientHeader) {
	if clientVTable == nil {
		panic("hostv8: inspector client entry points are not registered")
	}
	h.vtable = clientVTable
}

// Protocol error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type inspectedContext struct {
	ctx   *Context
	id    int
	group int
	name  string
}

// Inspector is the engine-side agent. It answers a small part of the
// DevTools protocol for the contexts reported to it.
type Inspector struct {
	iso    *Isolate
	client *ClientHeader

	mu       sync.Mutex
	contexts []*inspectedContext
	nextID   int
	sessions map[*Session]struct{}
	paused   bool
}

// NewInspector creates the agent for iso.
func NewInspector(iso *Isolate, client *ClientHeader) *Inspector {
	return &Inspector{
		iso:      iso,
		client:   client,
		sessions: make(map[*Session]struct{}),
	}
}

// ContextCreated reports a context and returns its execution context id.
func (in *Inspector) ContextCreated(ctx *Context, groupID int, name string) int {
	in.mu.Lock()
	in.nextID++
	ic := &inspectedContext{ctx: ctx, id: in.nextID, group: groupID, name: name}
	in.contexts = append(in.contexts, ic)
	sessions := in.sessionsIn(groupID)
	in.mu.Unlock()

	for _, s := range sessions {
		if s.runtimeEnabled {
			s.notify("Runtime.executionContextCreated", map[string]any{"context": ic.describe()})
		}
	}
	return ic.id
}

// ContextDestroyed forgets ctx.
func (in *Inspector) ContextDestroyed(ctx *Context) {
	in.mu.Lock()
	var gone *inspectedContext
	kept := in.contexts[:0]
	for _, ic := range in.contexts {
		if ic.ctx == ctx {
			gone = ic
			continue
		}
		kept = append(kept, ic)
	}
	in.contexts = kept
	var sessions []*Session
	if gone != nil {
		sessions = in.sessionsIn(gone.group)
	}
	in.mu.Unlock()

	for _, s := range sessions {
		if s.runtimeEnabled {
			s.notify("Runtime.executionContextDestroyed", map[string]any{"executionContextId": gone.id})
		}
	}
}

func (in *Inspector) sessionsIn(group int) []*Session {
	var out []*Session
	for s := range in.sessions {
		if s.group == group {
			out = append(out, s)
		}
	}
	return out
}

func (ic *inspectedContext) describe() map[string]any {
	return map[string]any{
		"id":      ic.id,
		"origin":  "",
		"name":    ic.name,
		"auxData": map[string]any{"isDefault": true},
	}
}

// Connect opens a session on a context group. state is what an earlier
// session returned from State, or nil.
func (in *Inspector) Connect(groupID int, ch *ChannelHeader, state []byte) *Session {
	s := &Session{in: in, group: groupID, channel: ch}
	if len(state) > 0 {
		var st sessionState
		if err := json.Unmarshal(state, &st); err == nil {
			s.runtimeEnabled, s.debuggerEnabled = st.RuntimeEnabled, st.DebuggerEnabled
		}
	}
	in.mu.Lock()
	in.sessions[s] = struct{}{}
	in.mu.Unlock()
	return s
}

// BreakIfScheduled pauses before a script runs in groupID when a session
// asked for it. It returns once a session resumes.
func (in *Inspector) BreakIfScheduled(groupID int) {
	in.mu.Lock()
	var pausing []*Session
	for _, s := range in.sessionsIn(groupID) {
		if s.debuggerEnabled && s.pauseReason != "" {
			pausing = append(pausing, s)
		}
	}
	if len(pausing) == 0 || in.paused {
		in.mu.Unlock()
		return
	}
	in.paused = true
	in.mu.Unlock()

	for _, s := range pausing {
		s.notify("Debugger.paused", map[string]any{
			"callFrames":     []any{},
			"reason":         s.pauseReason,
			"hitBreakpoints": []any{},
		})
		s.pauseReason = ""
	}
	in.client.vtable.RunMessageLoopOnPause(in.client, groupID)

	in.mu.Lock()
	in.paused = false
	sessions := in.sessionsIn(groupID)
	in.mu.Unlock()
	for _, s := range sessions {
		if s.debuggerEnabled {
			s.notify("Debugger.resumed", map[string]any{})
		}
	}
}

func (in *Inspector) findContext(group, id int) *inspectedContext {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, ic := range in.contexts {
		if ic.group != group {
			continue
		}
		if id == 0 || ic.id == id {
			return ic
		}
	}
	return nil
}

type sessionState struct {
	RuntimeEnabled  bool `json:"runtimeEnabled"`
	DebuggerEnabled bool `json:"debuggerEnabled"`
}

// Session is one protocol connection.
type Session struct {
	in      *Inspector
	group   int
	channel *ChannelHeader

	runtimeEnabled  bool
	debuggerEnabled bool
	pauseReason     string
	closed          bool
}

type request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type protocolError struct {
	code    int
	message string
}

// DispatchProtocolMessage handles one protocol request. Replies go to the
// session's channel.
func (s *Session) DispatchProtocolMessage(msg []byte) {
	if s.closed {
		return
	}
	var req request
	if err := json.Unmarshal(msg, &req); err != nil {
		s.respondError(0, &protocolError{codeParseError, "Message must be a valid JSON"})
		return
	}
	result, perr := s.handle(req)
	if perr != nil {
		s.respondError(req.ID, perr)
		return
	}
	s.respond(req.ID, result)
	s.channel.vtable.FlushProtocolNotifications(s.channel)
}

func (s *Session) handle(req request) (any, *protocolError) {
	switch req.Method {
	case "Runtime.enable":
		s.runtimeEnabled = true
		defer s.announceContexts()
		return struct{}{}, nil
	case "Runtime.disable":
		s.runtimeEnabled = false
		return struct{}{}, nil
	case "Runtime.runIfWaitingForDebugger":
		s.in.client.vtable.RunIfWaitingForDebugger(s.in.client, s.group)
		return struct{}{}, nil
	case "Runtime.evaluate":
		return s.evaluate(req.Params)
	case "Debugger.enable":
		s.debuggerEnabled = true
		return map[string]any{"debuggerId": fmt.Sprintf("hostv8-%d", s.group)}, nil
	case "Debugger.disable":
		s.debuggerEnabled = false
		s.pauseReason = ""
		return struct{}{}, nil
	case "Debugger.pause":
		if !s.debuggerEnabled {
			return nil, &protocolError{codeServerError, "Debugger agent is not enabled"}
		}
		s.pauseReason = "other"
		return struct{}{}, nil
	case "Debugger.resume":
		if !s.debuggerEnabled {
			return nil, &protocolError{codeServerError, "Debugger agent is not enabled"}
		}
		s.in.mu.Lock()
		paused := s.in.paused
		s.in.mu.Unlock()
		if !paused {
			return nil, &protocolError{codeServerError, "Can only perform operation while paused."}
		}
		s.in.client.vtable.QuitMessageLoopOnPause(s.in.client)
		return struct{}{}, nil
	default:
		return nil, &protocolError{codeMethodNotFound, fmt.Sprintf("'%s' wasn't found", req.Method)}
	}
}

func (s *Session) announceContexts() {
	s.in.mu.Lock()
	var list []*inspectedContext
	for _, ic := range s.in.contexts {
		if ic.group == s.group {
			list = append(list, ic)
		}
	}
	s.in.mu.Unlock()
	for _, ic := range list {
		s.notify("Runtime.executionContextCreated", map[string]any{"context": ic.describe()})
	}
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ContextID     int    `json:"contextId"`
	ReturnByValue bool   `json:"returnByValue"`
}

func (s *Session) evaluate(raw json.RawMessage) (any, *protocolError) {
	var p evaluateParams
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return nil, &protocolError{codeInvalidParams, "Invalid parameters"}
	}
	ic := s.in.findContext(s.group, p.ContextID)
	if ic == nil {
		return nil, &protocolError{codeServerError, "Cannot find context with specified id"}
	}
	v, err := ic.ctx.RunScript(p.Expression, "")
	if err != nil {
		jsErr, _ := AsJSError(err)
		details := map[string]any{"exceptionId": 1, "text": "Uncaught"}
		text := err.Error()
		if jsErr != nil {
			text = jsErr.Message
			loc := ParseLocation(jsErr.Location)
			details["lineNumber"] = max(loc.Line-1, 0)
			details["columnNumber"] = max(loc.Column, 0)
		}
		exc := map[string]any{"type": "object", "subtype": "error", "className": "Error", "description": text}
		details["exception"] = exc
		return map[string]any{"result": exc, "exceptionDetails": details}, nil
	}
	return map[string]any{"result": remoteObject(ic.ctx, v, p.ReturnByValue)}, nil
}

// remoteObject describes v the way the protocol's RemoteObject does.
func remoteObject(ctx *Context, v *Value, byValue bool) map[string]any {
	switch {
	case v == nil || v.IsUndefined():
		return map[string]any{"type": "undefined"}
	case v.IsNull():
		return map[string]any{"type": "object", "subtype": "null", "value": nil}
	case v.IsBoolean():
		return map[string]any{"type": "boolean", "value": v.Boolean()}
	case v.IsNumber():
		f := v.Number()
		if math.IsNaN(f) || math.IsInf(f, 0) || (f == 0 && math.Signbit(f)) {
			desc := v.String()
			return map[string]any{"type": "number", "unserializableValue": desc, "description": desc}
		}
		return map[string]any{"type": "number", "value": f, "description": v.String()}
	case v.IsBigInt():
		desc := v.BigInt().String() + "n"
		return map[string]any{"type": "bigint", "unserializableValue": desc, "description": desc}
	case v.IsString():
		return map[string]any{"type": "string", "value": v.String()}
	case v.IsSymbol():
		return map[string]any{"type": "symbol", "description": v.String()}
	}

	out := map[string]any{"type": "object", "className": "Object", "description": "Object"}
	switch {
	case v.IsFunction():
		out["type"], out["className"], out["description"] = "function", "Function", v.String()
	case v.IsArray():
		n := ArrayLength(v)
		out["subtype"], out["className"] = "array", "Array"
		out["description"] = "Array(" + strconv.FormatUint(uint64(n), 10) + ")"
	case v.IsNativeError():
		out["subtype"], out["className"], out["description"] = "error", "Error", v.String()
	case v.IsPromise():
		out["subtype"], out["className"], out["description"] = "promise", "Promise", "Promise"
	}
	if byValue && !v.IsFunction() {
		if js, err := JSONStringify(ctx, v); err == nil && js != "" {
			out["value"] = json.RawMessage(js)
		}
	}
	return out
}

func (s *Session) respond(id int, result any) {
	msg, err := json.Marshal(map[string]any{"id": id, "result": result})
	if err != nil {
		s.respondError(id, &protocolError{codeServerError, err.Error()})
		return
	}
	s.channel.vtable.SendResponse(s.channel, id, msg)
}

func (s *Session) respondError(id int, perr *protocolError) {
	msg, _ := json.Marshal(map[string]any{
		"id":    id,
		"error": map[string]any{"code": perr.code, "message": perr.message},
	})
	s.channel.vtable.SendResponse(s.channel, id, msg)
}

func (s *Session) notify(method string, params any) {
	msg, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return
	}
	s.channel.vtable.SendNotification(s.channel, msg)
}

// SchedulePauseOnNextStatement asks for a pause before the next script.
func (s *Session) SchedulePauseOnNextStatement(reason string) {
	if reason == "" {
		reason = "other"
	}
	s.pauseReason = reason
}

func (s *Session) CancelPauseOnNextStatement() { s.pauseReason = "" }

// State returns what Connect needs to restore this session.
func (s *Session) State() []byte {
	b, _ := json.Marshal(sessionState{RuntimeEnabled: s.runtimeEnabled, DebuggerEnabled: s.debuggerEnabled})
	return b
}

// Disconnect ends the session. Later messages are ignored.
func (s *Session) Disconnect() {
	s.closed = true
	s.in.mu.Lock()
	delete(s.in.sessions, s)
	s.in.mu.Unlock()
}
