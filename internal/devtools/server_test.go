package devtools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cryguy/hostv8"
)

func TestMain(m *testing.M) {
	hostv8.InitializePlatform(hostv8.NewDefaultPlatform(hostv8.PlatformOptions{}))
	hostv8.Initialize()
	code := m.Run()
	hostv8.Dispose()
	hostv8.DisposePlatform()
	os.Exit(code)
}

type fixture struct {
	iso *hostv8.Isolate
	srv *Server
	ts  *httptest.Server
}

// newFixture starts a server over a fresh isolate with one registered
// context. The test goroutine owns the isolate.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	iso := hostv8.NewIsolate(hostv8.CreateParams{})
	hs := iso.NewHandleScope()
	ctx := hostv8.NewContext(hs, hostv8.ContextOptions{})
	cs := hostv8.NewContextScope(hs, ctx)

	srv := New(iso, Options{Title: "fixture", URL: "file:///main.js", Logger: zaptest.NewLogger(t)})
	srv.Inspector().ContextCreated(ctx, srv.ContextGroupID(), "main")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cs.Close()
		hs.Close()
		iso.Dispose()
	})
	return &fixture{iso: iso, srv: srv, ts: ts}
}

func (f *fixture) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/" + id
}

// pumpUntil runs isolate tasks until cond holds.
func (f *fixture) pumpUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		if !hostv8.PumpMessageLoop(f.iso, false) {
			time.Sleep(time.Millisecond)
		}
	}
}

// collect decodes every message c receives onto the returned channel.
func collect(c *websocket.Conn) <-chan map[string]any {
	out := make(chan map[string]any, 64)
	go func() {
		defer close(out)
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				out <- m
			}
		}
	}()
	return out
}

// await pumps the isolate until a message matching match arrives and
// returns it with the notification methods received before it.
func (f *fixture) await(t *testing.T, msgs <-chan map[string]any, match func(map[string]any) bool) (map[string]any, []string) {
	t.Helper()
	var methods []string
	var found map[string]any
	f.pumpUntil(t, func() bool {
		for {
			select {
			case m, ok := <-msgs:
				require.True(t, ok, "connection closed")
				if match(m) {
					found = m
					return true
				}
				if method, ok := m["method"].(string); ok {
					methods = append(methods, method)
				}
			default:
				return false
			}
		}
	})
	return found, methods
}

func byID(id float64) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["id"] == id }
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(msg)))
}

func TestDiscoveryEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/json/list")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	var targets []target
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&targets))
	require.Len(t, targets, 1)
	assert.Equal(t, f.srv.ID(), targets[0].ID)
	assert.Equal(t, "fixture", targets[0].Title)
	assert.Equal(t, "file:///main.js", targets[0].URL)
	assert.Equal(t, f.wsURL(f.srv.ID()), targets[0].WebSocketDebuggerURL)
	assert.Contains(t, targets[0].DevtoolsFrontendURL, "/ws/"+f.srv.ID())

	resp, err = http.Get(f.ts.URL + "/json/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var version map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&version))
	assert.Equal(t, "hostv8/"+hostv8.Version(), version["Browser"])
	assert.Equal(t, protocolVersion, version["Protocol-Version"])

	resp, err = http.Get(f.ts.URL + "/ws/not-a-target")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionEvaluates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, _, err := websocket.Dial(ctx, f.wsURL(f.srv.ID()), nil)
	require.NoError(t, err)
	f.pumpUntil(t, func() bool { return f.srv.session != nil })
	assert.True(t, f.srv.Attached())

	_, resp, err := websocket.Dial(ctx, f.wsURL(f.srv.ID()), nil)
	require.Error(t, err, "one session at a time")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	msgs := collect(c)
	send(t, c, `{"id":1,"method":"Runtime.enable"}`)
	_, methods := f.await(t, msgs, byID(1))
	assert.Equal(t, []string{"Runtime.executionContextCreated"}, methods)

	send(t, c, `{"id":2,"method":"Runtime.evaluate","params":{"expression":"6 * 7"}}`)
	m, _ := f.await(t, msgs, byID(2))
	result := m["result"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, 42.0, result["value"])

	require.NoError(t, c.Close(websocket.StatusNormalClosure, ""))
	f.pumpUntil(t, func() bool { return f.srv.session == nil })
	require.Eventually(t, func() bool { return !f.srv.Attached() }, 5*time.Second, 5*time.Millisecond)
}

func TestWaitForDebuggerAndBreak(t *testing.T) {
	f := newFixture(t)

	seen := make(chan []string, 1)
	go func() {
		var methods []string
		defer func() { seen <- methods }()
		ctx := context.Background()
		c, _, err := websocket.Dial(ctx, f.wsURL(f.srv.ID()), nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for _, msg := range []string{
			`{"id":1,"method":"Debugger.enable"}`,
			`{"id":2,"method":"Runtime.runIfWaitingForDebugger"}`,
		} {
			if c.Write(ctx, websocket.MessageText, []byte(msg)) != nil {
				return
			}
		}
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			method, _ := m["method"].(string)
			if method == "" {
				continue
			}
			methods = append(methods, method)
			switch method {
			case "Debugger.paused":
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"id":3,"method":"Debugger.resume"}`))
			case "Debugger.resumed":
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.WaitForDebugger(ctx))
	f.srv.BreakIfScheduled()
	assert.Equal(t, []string{"Debugger.paused", "Debugger.resumed"}, <-seen)
}

func TestWaitForDebuggerHonoursContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.srv.WaitForDebugger(ctx), context.DeadlineExceeded)
	assert.False(t, f.srv.waiting)
}
