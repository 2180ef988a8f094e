package hostv8

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/cryguy/hostv8/internal/trampoline"
	"github.com/cryguy/hostv8/internal/v8engine"
)

// Channel receives the protocol traffic of one inspector session.
// Implementations embed a ChannelBase built by NewChannelBase.
type Channel interface {
	SendResponse(callID int, message []byte)
	SendNotification(message []byte)
	FlushProtocolNotifications()
	channelBase() *ChannelBase
}

type ChannelBase struct {
	header v8engine.ChannelHeader
	layout trampoline.Layout
}

func (b *ChannelBase) channelBase() *ChannelBase { return b }

// NewChannelBase builds the base for embedder type E.
func NewChannelBase[E any]() ChannelBase {
	b := ChannelBase{layout: trampoline.Probe[Channel, ChannelBase, E]()}
	v8engine.ConstructChannel(&b.header)
	return b
}

// InspectorClient is the embedder side of the inspector. While script is
// paused the engine sits in RunMessageLoopOnPause, which must keep
// dispatching protocol messages until QuitMessageLoopOnPause.
// Implementations embed an InspectorClientBase built by
// NewInspectorClientBase.
type InspectorClient interface {
	RunMessageLoopOnPause(contextGroupID int)
	QuitMessageLoopOnPause()
	RunIfWaitingForDebugger(contextGroupID int)
	clientBase() *InspectorClientBase
}

type InspectorClientBase struct {
	header v8engine.ClientHeader
	layout trampoline.Layout
}

func (b *InspectorClientBase) clientBase() *InspectorClientBase { return b }

// NewInspectorClientBase builds the base for embedder type E.
func NewInspectorClientBase[E any]() InspectorClientBase {
	b := InspectorClientBase{layout: trampoline.Probe[InspectorClient, InspectorClientBase, E]()}
	v8engine.ConstructClient(&b.header)
	return b
}

const (
	channelHeaderOffset = unsafe.Offsetof(ChannelBase{}.header)
	clientHeaderOffset  = unsafe.Offsetof(InspectorClientBase{}.header)
)

func channelOf(h *v8engine.ChannelHeader) Channel {
	base := (*ChannelBase)(trampoline.BaseOf(unsafe.Pointer(h), channelHeaderOffset))
	return trampoline.Dispatch[Channel](base.layout, unsafe.Pointer(base))
}

func clientOf(h *v8engine.ClientHeader) InspectorClient {
	base := (*InspectorClientBase)(trampoline.BaseOf(unsafe.Pointer(h), clientHeaderOffset))
	return trampoline.Dispatch[InspectorClient](base.layout, unsafe.Pointer(base))
}

func init() {
	v8engine.RegisterInspectorVTables(
		v8engine.ChannelVTable{
			SendResponse: func(h *v8engine.ChannelHeader, callID int, msg []byte) {
				channelOf(h).SendResponse(callID, msg)
			},
			SendNotification: func(h *v8engine.ChannelHeader, msg []byte) {
				channelOf(h).SendNotification(msg)
			},
			FlushProtocolNotifications: func(h *v8engine.ChannelHeader) {
				channelOf(h).FlushProtocolNotifications()
			},
		},
		v8engine.ClientVTable{
			RunMessageLoopOnPause: func(h *v8engine.ClientHeader, group int) {
				clientOf(h).RunMessageLoopOnPause(group)
			},
			QuitMessageLoopOnPause: func(h *v8engine.ClientHeader) {
				clientOf(h).QuitMessageLoopOnPause()
			},
			RunIfWaitingForDebugger: func(h *v8engine.ClientHeader, group int) {
				clientOf(h).RunIfWaitingForDebugger(group)
			},
		},
	)
}

// Inspector debugs the contexts of one isolate.
type Inspector struct {
	iso    *Isolate
	eng    *v8engine.Inspector
	client InspectorClient
}

// NewInspector attaches an inspector to iso.
func NewInspector(iso *Isolate, client InspectorClient) *Inspector {
	iso.checkUsable()
	b := client.clientBase()
	if b.layout.IsZero() {
		panic("hostv8: inspector client without a base from NewInspectorClientBase")
	}
	return &Inspector{
		iso:    iso,
		eng:    v8engine.NewInspector(iso.eng, &b.header),
		client: client,
	}
}

// ContextCreated makes ctx visible to sessions on groupID and returns its
// execution context id.
func (in *Inspector) ContextCreated(ctx Local[Context], groupID int, name string) int {
	return in.eng.ContextCreated(ctx.Deref().raw(), groupID, name)
}

func (in *Inspector) ContextDestroyed(ctx Local[Context]) {
	in.eng.ContextDestroyed(ctx.Deref().raw())
}

// BreakIfScheduled pauses before script runs in groupID if a session asked
// for it, returning once the session resumes.
func (in *Inspector) BreakIfScheduled(groupID int) {
	in.iso.checkUsable()
	in.eng.BreakIfScheduled(groupID)
}

// Connect opens a protocol session on groupID. state restores a session
// saved with Session.State and may be nil.
func (in *Inspector) Connect(groupID int, ch Channel, state []byte) *Session {
	b := ch.channelBase()
	if b.layout.IsZero() {
		panic("hostv8: inspector channel without a base from NewChannelBase")
	}
	Logger().Info("inspector session connected", zap.Int("context_group", groupID))
	return &Session{
		eng:     in.eng.Connect(groupID, &b.header, state),
		channel: ch,
		group:   groupID,
	}
}

// Session is one protocol connection. Its methods must run on the goroutine
// that owns the isolate.
type Session struct {
	eng     *v8engine.Session
	channel Channel
	group   int
}

// DispatchProtocolMessage handles one JSON protocol message.
func (s *Session) DispatchProtocolMessage(msg []byte) { s.eng.DispatchProtocolMessage(msg) }

// SchedulePauseOnNextStatement pauses before the next script runs.
func (s *Session) SchedulePauseOnNextStatement(reason string) {
	s.eng.SchedulePauseOnNextStatement(reason)
}

func (s *Session) CancelPauseOnNextStatement() { s.eng.CancelPauseOnNextStatement() }

// State returns data for restoring the session with Inspector.Connect.
func (s *Session) State() []byte { return s.eng.State() }

// Disconnect ends the session.
func (s *Session) Disconnect() {
	s.eng.Disconnect()
	Logger().Info("inspector session disconnected", zap.Int("context_group", s.group))
}
