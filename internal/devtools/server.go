// Package devtools serves an isolate's inspector to DevTools-style
// frontends: HTTP discovery endpoints plus one websocket per debugging
// session.
//
// Sessions are driven from the goroutine that owns the isolate. Network
// goroutines only queue events and post a task to the isolate's runner; the
// owner handles them while pumping its message loop, while paused on a
// breakpoint, or inside WaitForDebugger.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/hostv8"
)

const (
	// DefaultAddr is the conventional inspector address.
	DefaultAddr = "127.0.0.1:9229"

	maxMessageBytes = 16 * 1024 * 1024
	protocolVersion = "1.3"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address. Empty selects DefaultAddr.
	Addr string

	// Title and URL describe the debug target in /json/list.
	Title string
	URL   string

	// ContextGroupID is the inspector context group sessions attach to.
	// Zero selects 1.
	ContextGroupID int

	Logger *zap.Logger
}

type eventKind int

const (
	eventAttach eventKind = iota
	eventMessage
	eventDetach
)

type event struct {
	kind eventKind
	conn *conn
	msg  []byte
}

// Server bridges websocket sessions to an inspector.
type Server struct {
	opts      Options
	log       *zap.Logger
	id        string
	handle    *hostv8.IsolateHandle
	inspector *hostv8.Inspector
	client    *client
	pump      *pumpTask

	inbox    chan event
	attached atomic.Bool

	// Owned by the isolate goroutine.
	session *hostv8.Session
	active  *conn
	paused  bool
	quit    bool
	waiting bool

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	current  *conn
}

// New attaches an inspector to iso. It must run on the goroutine that owns
// iso.
func New(iso *hostv8.Isolate, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.ContextGroupID == 0 {
		opts.ContextGroupID = 1
	}
	if opts.Title == "" {
		opts.Title = "hostv8"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		opts:   opts,
		log:    log.Named("devtools"),
		id:     uuid.NewString(),
		handle: iso.Handle(),
		inbox:  make(chan event, 256),
	}
	s.client = &client{InspectorClientBase: hostv8.NewInspectorClientBase[client](), s: s}
	s.pump = &pumpTask{TaskBase: hostv8.NewTaskBase[pumpTask](), s: s}
	s.inspector = hostv8.NewInspector(iso, s.client)
	return s
}

// ID is the target id used in websocket URLs.
func (s *Server) ID() string { return s.id }

// Inspector returns the inspector sessions attach to. Register contexts
// with it before frontends evaluate in them.
func (s *Server) Inspector() *hostv8.Inspector { return s.inspector }

// ContextGroupID is the group sessions are connected to.
func (s *Server) ContextGroupID() int { return s.opts.ContextGroupID }

// Attached reports whether a frontend holds the session.
func (s *Server) Attached() bool { return s.attached.Load() }

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/json", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/json/list", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/json/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/ws/{id}", s.handleSession)
	return r
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http, s.listener = srv, ln
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("inspector server stopped", zap.Error(err))
		}
	}()
	s.log.Info("debugger listening", zap.String("url", s.wsURL(ln.Addr().String())))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the HTTP server and drops the session.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv, cur := s.http, s.current
	s.mu.Unlock()
	if cur != nil {
		cur.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) wsURL(host string) string {
	return "ws://" + host + "/ws/" + s.id
}

type target struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	t := target{
		Description: "hostv8 instance",
		DevtoolsFrontendURL: "devtools://devtools/bundled/js_app.html?experiments=true&v8only=true&ws=" +
			r.Host + "/ws/" + s.id,
		ID:    s.id,
		Title: s.opts.Title,
		Type:  "node",
		URL:   s.opts.URL,
	}
	if !s.Attached() {
		t.WebSocketDebuggerURL = s.wsURL(r.Host)
	}
	writeJSON(w, []target{t})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":          "hostv8/" + hostv8.Version(),
		"Protocol-Version": protocolVersion,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["id"] != s.id {
		http.Error(w, "unknown target", http.StatusNotFound)
		return
	}
	if !s.attached.CompareAndSwap(false, true) {
		http.Error(w, "a debugger is already attached", http.StatusConflict)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.attached.Store(false)
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	c := newConn(ws)
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	s.log.Info("debugger attached", zap.String("remote", r.RemoteAddr))
	s.post(event{kind: eventAttach, conn: c})
	err = c.serve(r.Context(), s)
	s.mu.Lock()
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()
	s.post(event{kind: eventDetach, conn: c})
	s.attached.Store(false)
	s.log.Info("debugger detached", zap.String("remote", r.RemoteAddr), zap.Error(err))
}

// post queues ev and wakes the isolate goroutine.
func (s *Server) post(ev event) {
	s.inbox <- ev
	if !s.handle.IsDisposed() {
		s.handle.PostTask(s.pump)
	}
}

// dispatch runs one event on the isolate goroutine.
func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case eventAttach:
		if s.session != nil {
			s.session.Disconnect()
		}
		s.active = ev.conn
		s.session = s.inspector.Connect(s.opts.ContextGroupID, ev.conn.channel, nil)
	case eventMessage:
		if ev.conn == s.active && s.session != nil {
			s.session.DispatchProtocolMessage(ev.msg)
		}
	case eventDetach:
		if ev.conn != s.active {
			return
		}
		if s.session != nil {
			s.session.Disconnect()
		}
		s.session, s.active = nil, nil
		s.quit = true
	}
}

// Pump handles every queued event without blocking. It returns the number
// handled.
func (s *Server) Pump() int {
	n := 0
	for {
		select {
		case ev := <-s.inbox:
			s.dispatch(ev)
			n++
		default:
			return n
		}
	}
}

// runNested handles events until done reports true or ctx ends.
func (s *Server) runNested(ctx context.Context, done func() bool) error {
	for !done() {
		select {
		case ev := <-s.inbox:
			s.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitForDebugger blocks the isolate goroutine until an attached frontend
// sends Runtime.runIfWaitingForDebugger, then schedules a pause before the
// next script.
func (s *Server) WaitForDebugger(ctx context.Context) error {
	s.log.Info("waiting for the debugger to attach")
	s.waiting = true
	if err := s.runNested(ctx, func() bool { return !s.waiting }); err != nil {
		s.waiting = false
		return err
	}
	if s.session != nil {
		s.session.SchedulePauseOnNextStatement("Break on start")
	}
	return nil
}

// BreakIfScheduled pauses before script runs if a frontend asked for it.
func (s *Server) BreakIfScheduled() {
	s.inspector.BreakIfScheduled(s.opts.ContextGroupID)
}

// Disconnect ends the current session, if any.
func (s *Server) Disconnect() {
	if s.active != nil {
		s.active.close()
		s.dispatch(event{kind: eventDetach, conn: s.active})
	}
}

type client struct {
	hostv8.InspectorClientBase
	s *Server
}

func (c *client) RunMessageLoopOnPause(contextGroupID int) {
	s := c.s
	if s.paused {
		return
	}
	s.paused, s.quit = true, false
	_ = s.runNested(context.Background(), func() bool { return s.quit || s.session == nil })
	s.paused = false
}

func (c *client) QuitMessageLoopOnPause() { c.s.quit = true }

func (c *client) RunIfWaitingForDebugger(contextGroupID int) { c.s.waiting = false }

type pumpTask struct {
	hostv8.TaskBase
	s *Server
}

// Run handles at most one event; every queued event posts one task.
func (t *pumpTask) Run() {
	select {
	case ev := <-t.s.inbox:
		t.s.dispatch(ev)
	default:
	}
}

// conn is one websocket session.
type conn struct {
	ws      *websocket.Conn
	channel *channel
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{ws: ws}
	c.channel = &channel{
		ChannelBase: hostv8.NewChannelBase[channel](),
		out:         make(chan []byte, 256),
		done:        make(chan struct{}),
	}
	return c
}

func (c *conn) close() {
	c.once.Do(func() { close(c.channel.done) })
}

// serve pumps websocket frames into the server inbox and channel output
// back to the peer until either side stops.
func (c *conn) serve(ctx context.Context, s *Server) error {
	defer c.close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer c.close()
		for {
			typ, data, err := c.ws.Read(ctx)
			if err != nil {
				return err
			}
			if typ != websocket.MessageText {
				continue
			}
			s.post(event{kind: eventMessage, conn: c, msg: data})
		}
	})
	g.Go(func() error {
		for {
			select {
			case msg := <-c.channel.out:
				if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
					return err
				}
			case <-c.channel.done:
				return c.ws.Close(websocket.StatusNormalClosure, "")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	err := g.Wait()
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return nil
	}
	return err
}

// channel forwards inspector output to the websocket writer.
type channel struct {
	hostv8.ChannelBase
	out  chan []byte
	done chan struct{}
}

func (ch *channel) send(msg []byte) {
	select {
	case ch.out <- msg:
	case <-ch.done:
	}
}

func (ch *channel) SendResponse(callID int, message []byte) { ch.send(message) }

func (ch *channel) SendNotification(message []byte) { ch.send(message) }

func (ch *channel) FlushProtocolNotifications() {}
