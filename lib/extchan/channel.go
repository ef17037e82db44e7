// Package extchan owns the single persistent websocket to the browser
// extension. It multiplexes concurrent calls over one connection by
// correlation id, delivers unsolicited extension events to the router, and
// enforces the reconnect semantics: a new extension connection replaces the
// old one, failing every outstanding call.
package extchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"
)

var (
	// ErrDisconnected is returned when no extension is connected, and is the
	// failure for calls in flight when the connection drops.
	ErrDisconnected = errors.New("extension disconnected")
	// ErrTimeout is returned when the extension does not answer within the
	// call deadline. The late reply, if it ever arrives, is discarded.
	ErrTimeout = errors.New("extension call timed out")
)

// CallError is a structured error the extension returned for a call.
type CallError struct {
	Op   string
	Text string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("extension error for %s: %s", e.Op, e.Text)
}

// Status describes the extension link for subscribers.
type Status struct {
	Connected bool
	Hello     Hello
}

// Handlers are the channel's upcalls. OnEvent runs on the read loop and must
// not block. OnUp runs on its own goroutine after a successful handshake.
// OnDown runs after the connection is gone and all pending calls have been
// failed. OnOrphan fires for replies whose correlation id is no longer
// pending. OnHandshakeFatal fires at most once, when the first extension
// connection ever seen is rejected during handshake.
type Handlers struct {
	OnEvent          func(name string, params json.RawMessage)
	OnUp             func(hello Hello)
	OnDown           func(reason error)
	OnOrphan         func(corr int64)
	OnHandshakeFatal func(err error)
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	op string
	ch chan callResult
}

// conn bundles the per-connection state so a replacement connection never
// touches its predecessor's writer or done channel.
type conn struct {
	id    string
	ws    *websocket.Conn
	outCh chan []byte
	done  chan struct{}
}

const (
	readLimit        = 100 * 1024 * 1024
	writeTimeout     = 10 * time.Second
	helloTimeout     = 10 * time.Second
	pingInterval     = 15 * time.Second
	pingCallTimeout  = 5 * time.Second
	maxMissedPings   = 2
	outQueueCapacity = 1024
)

// Channel is the singleton conduit to the extension.
type Channel struct {
	log      *slog.Logger
	timeout  time.Duration
	handlers Handlers

	corr atomic.Int64

	mu            sync.Mutex
	current       *conn
	hello         Hello
	everConnected bool
	pending       map[int64]*pendingCall
	subs          map[chan Status]struct{}

	fatalOnce sync.Once
}

// NewChannel creates a channel with the given default call timeout.
func NewChannel(log *slog.Logger, callTimeout time.Duration) *Channel {
	return &Channel{
		log:     log,
		timeout: callTimeout,
		pending: make(map[int64]*pendingCall),
		subs:    make(map[chan Status]struct{}),
	}
}

// SetHandlers installs the upcalls. Must be called before the handler serves.
func (c *Channel) SetHandlers(h Handlers) {
	c.handlers = h
}

// Handler returns the HTTP handler the extension connects to.
func (c *Channel) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			c.log.Error("extension websocket accept failed", "err", err)
			return
		}
		ws.SetReadLimit(readLimit)
		c.serve(r.Context(), ws)
	}
}

// serve performs the hello handshake, adopts the connection, and runs the
// read loop until the connection dies.
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn) {
	hello, err := c.awaitHello(ctx, ws)
	if err != nil {
		c.log.Warn("extension handshake rejected", "err", err, "everConnected", c.everConnected, "hasFatal", c.handlers.OnHandshakeFatal != nil)
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake rejected")
		c.mu.Lock()
		first := !c.everConnected
		c.mu.Unlock()
		c.log.Warn("before-first-check", "first", first)
		if first && c.handlers.OnHandshakeFatal != nil {
			c.log.Warn("calling fatalOnce")
			c.fatalOnce.Do(func() { c.handlers.OnHandshakeFatal(err) })
			c.log.Warn("fatalOnce done")
		}
		return
	}

	active := &conn{
		id:    cuid2.Generate(),
		ws:    ws,
		outCh: make(chan []byte, outQueueCapacity),
		done:  make(chan struct{}),
	}

	c.adopt(active, hello)
	c.log.Info("extension connected", "conn", active.id, "version", hello.Version)

	go c.writeLoop(active)
	go c.pingLoop(ctx, active)
	if c.handlers.OnUp != nil {
		go c.handlers.OnUp(hello)
	}

	readErr := c.readLoop(ctx, active)
	c.teardown(active, readErr)
}

// awaitHello reads the first frame, which must be the hello event.
func (c *Channel) awaitHello(ctx context.Context, ws *websocket.Conn) (Hello, error) {
	readCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := ws.Read(readCtx)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Hello{}, fmt.Errorf("parse hello: %w", err)
	}
	if frame.Event != EventHello {
		return Hello{}, fmt.Errorf("expected %q event, got %q", EventHello, frame.Event)
	}
	var hello Hello
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &hello); err != nil {
			return Hello{}, fmt.Errorf("parse hello params: %w", err)
		}
	}
	if hello.Version == "" {
		return Hello{}, errors.New("hello missing version")
	}
	return hello, nil
}

// adopt makes the connection current, replacing and failing out any
// predecessor. Outstanding calls belonged to the old connection and fail with
// ErrDisconnected.
func (c *Channel) adopt(active *conn, hello Hello) {
	c.mu.Lock()
	prev := c.current
	c.current = active
	c.hello = hello
	c.everConnected = true
	failed := c.takePendingLocked()
	c.publishLocked(Status{Connected: true, Hello: hello})
	c.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- callResult{err: ErrDisconnected}
	}
	if prev != nil {
		c.log.Info("extension connection replaced", "old", prev.id, "new", active.id)
		_ = prev.ws.Close(websocket.StatusPolicyViolation, "replaced by new extension connection")
	}
}

// teardown runs once the read loop exits. Only the connection that is still
// current clears the channel state; a replaced connection was handled by
// adopt already.
func (c *Channel) teardown(active *conn, reason error) {
	close(active.done)

	c.mu.Lock()
	wasCurrent := c.current == active
	var failed []*pendingCall
	if wasCurrent {
		c.current = nil
		c.hello = Hello{}
		failed = c.takePendingLocked()
		c.publishLocked(Status{Connected: false})
	}
	c.mu.Unlock()

	for _, pc := range failed {
		pc.ch <- callResult{err: ErrDisconnected}
	}
	_ = active.ws.Close(websocket.StatusNormalClosure, "closing")
	if wasCurrent {
		c.log.Info("extension disconnected", "conn", active.id, "err", reason)
		if c.handlers.OnDown != nil {
			c.handlers.OnDown(reason)
		}
	}
}

func (c *Channel) takePendingLocked() []*pendingCall {
	failed := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		failed = append(failed, pc)
	}
	c.pending = make(map[int64]*pendingCall)
	return failed
}

// readLoop dispatches inbound frames: replies resolve pending calls, events
// go to the router. Returns the read error that ended the connection.
func (c *Channel) readLoop(ctx context.Context, active *conn) error {
	for {
		_, data, err := active.ws.Read(ctx)
		if err != nil {
			return err
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn("extension sent malformed frame", "err", err)
			continue
		}

		switch {
		case frame.Event != "":
			if frame.Event == EventHello {
				// Handshake already done; repeated hellos carry nothing new.
				continue
			}
			if c.handlers.OnEvent != nil {
				c.handlers.OnEvent(frame.Event, frame.Params)
			}
		case frame.Corr != nil:
			c.resolve(*frame.Corr, frame)
		default:
			c.log.Warn("extension frame has neither corr nor event")
		}
	}
}

// resolve completes the pending call for a reply, or reports an orphan.
func (c *Channel) resolve(corr int64, frame inboundFrame) {
	c.mu.Lock()
	pc, ok := c.pending[corr]
	if ok {
		delete(c.pending, corr)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("discarding orphan extension reply", "corr", corr)
		if c.handlers.OnOrphan != nil {
			c.handlers.OnOrphan(corr)
		}
		return
	}

	if frame.OK {
		pc.ch <- callResult{result: frame.Result}
		return
	}
	text := frame.Error
	if text == "" {
		text = "unspecified extension error"
	}
	pc.ch <- callResult{err: &CallError{Op: pc.op, Text: text}}
}

// writeLoop is the single writer for one connection.
func (c *Channel) writeLoop(active *conn) {
	for {
		select {
		case <-active.done:
			return
		case data := <-active.outCh:
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := active.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.log.Warn("extension write failed", "conn", active.id, "err", err)
				_ = active.ws.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// pingLoop keeps the link warm. Two consecutive missed pings close the
// connection, which then follows the normal disconnect path.
func (c *Channel) pingLoop(ctx context.Context, active *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-active.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingCallTimeout)
			_, err := c.Call(pingCtx, "ping", nil)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			if errors.Is(err, ErrDisconnected) {
				return
			}
			missed++
			c.log.Warn("extension ping failed", "conn", active.id, "missed", missed, "err", err)
			if missed >= maxMissedPings {
				_ = active.ws.Close(websocket.StatusPolicyViolation, "ping timeout")
				return
			}
		}
	}
}

// Call sends one request to the extension and waits for the matching reply.
// Fails fast with ErrDisconnected when no extension is connected. The
// deadline is the channel's call timeout, or earlier if ctx expires.
func (c *Channel) Call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	return c.call(ctx, op, params, c.timeout)
}

// CallTimeout is Call with a per-call deadline overriding the default.
func (c *Channel) CallTimeout(ctx context.Context, op string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.call(ctx, op, params, timeout)
}

func (c *Channel) call(ctx context.Context, op string, params any, timeout time.Duration) (json.RawMessage, error) {
	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", op, err)
		}
		paramsRaw = raw
	}

	corr := c.corr.Add(1)
	pc := &pendingCall{op: op, ch: make(chan callResult, 1)}

	c.mu.Lock()
	active := c.current
	if active == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[corr] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(requestFrame{Corr: corr, Op: op, Params: paramsRaw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", op, err)
	}

	select {
	case active.outCh <- data:
	case <-active.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %s", ErrTimeout, op)
	case <-active.done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether an extension is currently attached.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// HelloInfo returns the handshake payload of the current connection.
func (c *Channel) HelloInfo() (Hello, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello, c.current != nil
}

// SubscribeStatus registers for status transitions. The subscriber channel
// holds only the latest status; slow consumers never block the channel.
func (c *Channel) SubscribeStatus() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- Status{Connected: c.current != nil, Hello: c.hello}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

// publishLocked pushes a status to every subscriber, replacing any undelivered
// previous status. Callers hold the channel lock.
func (c *Channel) publishLocked(st Status) {
	for ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Close shuts the current connection down, if any.
func (c *Channel) Close() {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active != nil {
		_ = active.ws.Close(websocket.StatusGoingAway, "bridge shutting down")
	}
}
