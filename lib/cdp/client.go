package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nrednav/cuid2"

	"github.com/openbrop/bridge/lib/ident"
)

// writeTimeout bounds a single websocket write. Screenshot payloads can be
// large, so this is looser than the per-frame latency we expect.
const writeTimeout = 10 * time.Second

// responseStallTimeout is how long a response send may wait on a full queue
// before the client is declared misbehaving and disconnected. Responses are
// never dropped.
const responseStallTimeout = 5 * time.Second

// ErrClientGone is returned when sending to a closed or stalled client.
var ErrClientGone = errors.New("cdp client gone")

// Client is one CDP websocket connection. A reader goroutine owned by the
// server feeds requests to the handler; this type owns the outbound queue and
// the per-client protocol toggles.
type Client struct {
	id  ident.ClientID
	log *slog.Logger
	ws  *websocket.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	closeCode       websocket.StatusCode
	closeReason     string
	discover        bool
	autoAttach      bool
	autoFlatten     bool
	waitForDebugger bool
	boundTarget     ident.TargetID
}

func newClient(log *slog.Logger, ws *websocket.Conn, queueSize int, boundTarget ident.TargetID) *Client {
	if queueSize <= 0 {
		queueSize = 1
	}
	id := ident.ClientID("cdp-" + cuid2.Generate())
	return &Client{
		id:          id,
		log:         log.With("client", id),
		ws:          ws,
		out:         make(chan []byte, queueSize),
		done:        make(chan struct{}),
		boundTarget: boundTarget,
	}
}

// ID identifies this connection in the registry's session records.
func (c *Client) ID() ident.ClientID { return c.id }

// BoundTarget returns the target a page-level websocket URL named, if any.
func (c *Client) BoundTarget() ident.TargetID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundTarget
}

// Discover reports whether Target.setDiscoverTargets is enabled.
func (c *Client) Discover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discover
}

// SetDiscover toggles target discovery events for this client.
func (c *Client) SetDiscover(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discover = on
}

// AutoAttach reports the persisted Target.setAutoAttach state.
func (c *Client) AutoAttach() (enabled, flatten, waitForDebugger bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoAttach, c.autoFlatten, c.waitForDebugger
}

// SetAutoAttach persists the Target.setAutoAttach state.
func (c *Client) SetAutoAttach(enabled, flatten, waitForDebugger bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAttach = enabled
	c.autoFlatten = flatten
	c.waitForDebugger = waitForDebugger
}

// SendResponse queues a response frame. Responses are never dropped: if the
// queue stays full past the stall timeout the client is disconnected as
// misbehaving and ErrClientGone is returned.
func (c *Client) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClientGone
	case <-time.After(responseStallTimeout):
		c.log.Warn("client write queue stalled, disconnecting", "id", resp.ID)
		c.kill(websocket.StatusPolicyViolation, "write queue stalled")
		return ErrClientGone
	}
}

// SendEvent queues an event frame without blocking. Returns false when the
// event was dropped because the queue is at the high-water mark or the client
// is gone.
func (c *Client) SendEvent(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the socket. FIFO per connection.
// The write loop owns the socket close on the graceful path so frames queued
// before Close, like a Browser.close response, still go out.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drainAndClose()
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.kill(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func (c *Client) drainAndClose() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()
	for {
		select {
		case data := <-c.out:
			if c.write(data) != nil {
				_ = c.ws.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		default:
			_ = c.ws.Close(code, reason)
			return
		}
	}
}

// kill tears the connection down once. Non-graceful closes shut the socket
// immediately; a normal close lets the write loop flush first.
func (c *Client) kill(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
		if code != websocket.StatusNormalClosure {
			_ = c.ws.Close(code, reason)
		}
	})
}

// Close closes the connection gracefully.
func (c *Client) Close() {
	c.kill(websocket.StatusNormalClosure, "closing")
}

// Gone reports whether the connection has been torn down.
func (c *Client) Gone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
