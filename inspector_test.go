package hostv8

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	ChannelBase
	responses     map[int]map[string]any
	notifications []map[string]any
	flushes       int
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{
		ChannelBase: NewChannelBase[recordingChannel](),
		responses:   make(map[int]map[string]any),
	}
}

func (c *recordingChannel) SendResponse(callID int, message []byte) {
	var m map[string]any
	if json.Unmarshal(message, &m) == nil {
		c.responses[callID] = m
	}
}

func (c *recordingChannel) SendNotification(message []byte) {
	var m map[string]any
	if json.Unmarshal(message, &m) == nil {
		c.notifications = append(c.notifications, m)
	}
}

func (c *recordingChannel) FlushProtocolNotifications() { c.flushes++ }

func (c *recordingChannel) methods() []string {
	var out []string
	for _, n := range c.notifications {
		out = append(out, n["method"].(string))
	}
	return out
}

// pausingClient answers the pause loop with the messages queued in onPause.
type pausingClient struct {
	InspectorClientBase
	session  *Session
	onPause  [][]byte
	paused   int
	quit     bool
	released int
}

func newPausingClient() *pausingClient {
	return &pausingClient{InspectorClientBase: NewInspectorClientBase[pausingClient]()}
}

func (c *pausingClient) RunMessageLoopOnPause(contextGroupID int) {
	c.paused++
	c.quit = false
	for _, msg := range c.onPause {
		if c.quit {
			break
		}
		c.session.DispatchProtocolMessage(msg)
	}
}

func (c *pausingClient) QuitMessageLoopOnPause() { c.quit = true }

func (c *pausingClient) RunIfWaitingForDebugger(contextGroupID int) { c.released++ }

func TestInspectorEvaluate(t *testing.T) {
	withContext(t, func(iso *Isolate, s *HandleScope[WithContext]) {
		ctx, ok := s.CurrentContext()
		require.True(t, ok)

		client := newPausingClient()
		in := NewInspector(iso, client)
		id := in.ContextCreated(ctx, 1, "main")
		assert.Equal(t, 1, id)

		ch := newRecordingChannel()
		sess := in.Connect(1, ch, nil)
		client.session = sess

		sess.DispatchProtocolMessage([]byte(`{"id":1,"method":"Runtime.enable"}`))
		assert.Contains(t, ch.responses, 1)
		assert.Equal(t, []string{"Runtime.executionContextCreated"}, ch.methods())

		sess.DispatchProtocolMessage([]byte(`{"id":2,"method":"Runtime.evaluate","params":{"expression":"6 * 7"}}`))
		result := ch.responses[2]["result"].(map[string]any)["result"].(map[string]any)
		assert.Equal(t, "number", result["type"])
		assert.Equal(t, 42.0, result["value"])

		sess.DispatchProtocolMessage([]byte(`{"id":3,"method":"Runtime.evaluate","params":{"expression":"({a: [1]})","returnByValue":true}}`))
		result = ch.responses[3]["result"].(map[string]any)["result"].(map[string]any)
		assert.Equal(t, map[string]any{"a": []any{1.0}}, result["value"])

		sess.DispatchProtocolMessage([]byte(`{"id":4,"method":"Runtime.evaluate","params":{"expression":"throw new Error('x')"}}`))
		assert.Contains(t, ch.responses[4]["result"], "exceptionDetails")

		sess.DispatchProtocolMessage([]byte(`{"id":5,"method":"Profiler.enable"}`))
		errObj := ch.responses[5]["error"].(map[string]any)
		assert.Equal(t, -32601.0, errObj["code"])

		sess.DispatchProtocolMessage([]byte(`not json`))
		assert.Equal(t, -32700.0, ch.responses[0]["error"].(map[string]any)["code"])

		sess.DispatchProtocolMessage([]byte(`{"id":6,"method":"Runtime.runIfWaitingForDebugger"}`))
		assert.Equal(t, 1, client.released)
		assert.Positive(t, ch.flushes)

		in.ContextDestroyed(ctx)
		assert.Equal(t, "Runtime.executionContextDestroyed", ch.methods()[len(ch.methods())-1])
		sess.Disconnect()
	})
}

func TestInspectorPauseAndResume(t *testing.T) {
	withContext(t, func(iso *Isolate, s *HandleScope[WithContext]) {
		ctx, ok := s.CurrentContext()
		require.True(t, ok)

		client := newPausingClient()
		in := NewInspector(iso, client)
		in.ContextCreated(ctx, 1, "main")
		ch := newRecordingChannel()
		sess := in.Connect(1, ch, nil)
		client.session = sess
		client.onPause = [][]byte{
			[]byte(`{"id":10,"method":"Runtime.evaluate","params":{"expression":"'while paused'"}}`),
			[]byte(`{"id":11,"method":"Debugger.resume"}`),
			[]byte(`{"id":12,"method":"Runtime.evaluate","params":{"expression":"'never'"}}`),
		}

		sess.DispatchProtocolMessage([]byte(`{"id":1,"method":"Debugger.resume"}`))
		assert.Contains(t, ch.responses[1], "error", "resume needs the debugger enabled")

		sess.DispatchProtocolMessage([]byte(`{"id":2,"method":"Debugger.enable"}`))
		in.BreakIfScheduled(1)
		assert.Zero(t, client.paused, "nothing scheduled")

		sess.SchedulePauseOnNextStatement("instrumentation")
		sess.CancelPauseOnNextStatement()
		in.BreakIfScheduled(1)
		assert.Zero(t, client.paused)

		sess.SchedulePauseOnNextStatement("instrumentation")
		in.BreakIfScheduled(1)
		assert.Equal(t, 1, client.paused)
		assert.Contains(t, ch.responses, 10)
		assert.NotContains(t, ch.responses[11], "error")
		assert.NotContains(t, ch.responses, 12)
		assert.Equal(t, []string{"Debugger.paused", "Debugger.resumed"}, ch.methods())

		state := sess.State()
		sess.Disconnect()
		sess.DispatchProtocolMessage([]byte(`{"id":20,"method":"Runtime.enable"}`))
		assert.NotContains(t, ch.responses, 20, "disconnected sessions ignore messages")

		restored := in.Connect(1, newRecordingChannel(), state)
		assert.JSONEq(t, `{"runtimeEnabled":false,"debuggerEnabled":true}`, string(restored.State()))
		restored.Disconnect()
	})
}

type bareChannel struct{ ChannelBase }

func (bareChannel) SendResponse(int, []byte)    {}
func (bareChannel) SendNotification([]byte)     {}
func (bareChannel) FlushProtocolNotifications() {}

func TestInspectorRequiresBases(t *testing.T) {
	withContext(t, func(iso *Isolate, _ *HandleScope[WithContext]) {
		in := NewInspector(iso, newPausingClient())
		assert.Panics(t, func() { in.Connect(1, &bareChannel{}, nil) })
		assert.Panics(t, func() { NewInspector(iso, &pausingClient{}) })
	})
}
