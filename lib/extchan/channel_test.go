package extchan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExtension is an in-test websocket client speaking the extension wire.
type fakeExtension struct {
	t    *testing.T
	conn *websocket.Conn
	reqs chan requestFrame
}

func dialExtension(t *testing.T, url string) *fakeExtension {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, strings.Replace(url, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial extension endpoint: %v", err)
	}
	return &fakeExtension{t: t, conn: conn, reqs: make(chan requestFrame, 16)}
}

func (f *fakeExtension) hello(version string) {
	f.send(map[string]any{"event": "hello", "params": map[string]string{"version": version}})
}

func (f *fakeExtension) send(v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.conn.Write(ctx, websocket.MessageText, data); err != nil {
		f.t.Fatalf("write frame: %v", err)
	}
}

// pump reads bridge requests into the reqs channel until the socket closes.
func (f *fakeExtension) pump() {
	go func() {
		for {
			_, data, err := f.conn.Read(context.Background())
			if err != nil {
				close(f.reqs)
				return
			}
			var req requestFrame
			if json.Unmarshal(data, &req) == nil {
				f.reqs <- req
			}
		}
	}()
}

func (f *fakeExtension) nextRequest(t *testing.T) requestFrame {
	t.Helper()
	select {
	case req, ok := <-f.reqs:
		if !ok {
			t.Fatal("extension socket closed while waiting for request")
		}
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bridge request")
	}
	return requestFrame{}
}

func (f *fakeExtension) close() {
	_ = f.conn.Close(websocket.StatusNormalClosure, "bye")
}

func waitForCondition(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("condition not met in time")
}

func newTestChannel(t *testing.T, handlers Handlers) (*Channel, string) {
	t.Helper()
	ch := NewChannel(silentLogger(), 2*time.Second)
	ch.SetHandlers(handlers)
	srv := httptest.NewServer(http.HandlerFunc(ch.Handler()))
	t.Cleanup(srv.Close)
	return ch, srv.URL
}

func TestCallRoundTrip(t *testing.T) {
	ch, url := newTestChannel(t, Handlers{})
	ext := dialExtension(t, url)
	defer ext.close()
	ext.hello("1.0")
	ext.pump()

	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err := ch.Call(context.Background(), "list_tabs", nil)
		if err != nil {
			t.Errorf("call failed: %v", err)
			return
		}
		if string(result) != `{"tabs":[]}` {
			t.Errorf("unexpected result %s", result)
		}
	}()

	req := ext.nextRequest(t)
	if req.Op != "list_tabs" {
		t.Fatalf("expected list_tabs, got %q", req.Op)
	}
	ext.send(map[string]any{"corr": req.Corr, "ok": true, "result": map[string]any{"tabs": []any{}}})
	<-done

	hello, connected := ch.HelloInfo()
	if !connected || hello.Version != "1.0" {
		t.Fatalf("unexpected hello info %+v connected=%v", hello, connected)
	}
}

func TestCallStructuredError(t *testing.T) {
	ch, url := newTestChannel(t, Handlers{})
	ext := dialExtension(t, url)
	defer ext.close()
	ext.hello("1.0")
	ext.pump()
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "navigate", map[string]any{"tabId": 1})
		errCh <- err
	}()

	req := ext.nextRequest(t)
	ext.send(map[string]any{"corr": req.Corr, "ok": false, "error": "no such tab"})

	err := <-errCh
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Op != "navigate" || callErr.Text != "no such tab" {
		t.Fatalf("unexpected CallError %+v", callErr)
	}
}

func TestCallTimeoutAndOrphanReply(t *testing.T) {
	var mu sync.Mutex
	var orphans []int64
	ch, url := newTestChannel(t, Handlers{
		OnOrphan: func(corr int64) {
			mu.Lock()
			orphans = append(orphans, corr)
			mu.Unlock()
		},
	})
	ext := dialExtension(t, url)
	defer ext.close()
	ext.hello("1.0")
	ext.pump()
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.CallTimeout(context.Background(), "get_screenshot", nil, 50*time.Millisecond)
		errCh <- err
	}()
	req := ext.nextRequest(t)

	if err := <-errCh; !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The ghost reply must be discarded and reported as an orphan.
	ext.send(map[string]any{"corr": req.Corr, "ok": true, "result": map[string]string{"data": "late"}})
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(orphans) == 1 && orphans[0] == req.Corr
	})
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	downCh := make(chan error, 1)
	ch, url := newTestChannel(t, Handlers{
		OnDown: func(reason error) { downCh <- reason },
	})
	ext := dialExtension(t, url)
	ext.hello("1.0")
	ext.pump()
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "navigate", nil)
		errCh <- err
	}()
	ext.nextRequest(t)

	ext.close()
	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	select {
	case <-downCh:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown not called")
	}

	// Fail-fast until reconnect.
	if _, err := ch.Call(context.Background(), "list_tabs", nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected fail-fast ErrDisconnected, got %v", err)
	}
}

func TestEventsDispatch(t *testing.T) {
	type event struct {
		name   string
		params json.RawMessage
	}
	events := make(chan event, 4)
	ch, url := newTestChannel(t, Handlers{
		OnEvent: func(name string, params json.RawMessage) {
			events <- event{name, params}
		},
	})
	ext := dialExtension(t, url)
	defer ext.close()
	ext.hello("1.0")
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	ext.send(map[string]any{"event": "tab_created", "params": map[string]any{"tabId": 3}})
	select {
	case ev := <-events:
		if ev.name != "tab_created" {
			t.Fatalf("unexpected event %q", ev.name)
		}
		var p struct {
			TabID int `json:"tabId"`
		}
		if err := json.Unmarshal(ev.params, &p); err != nil || p.TabID != 3 {
			t.Fatalf("unexpected params %s", ev.params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHandshakeRejectedIsFatalOnlyForFirstConnection(t *testing.T) {
	fatal := make(chan error, 1)
	ch, url := newTestChannel(t, Handlers{
		OnHandshakeFatal: func(err error) { fatal <- err },
	})

	bad := dialExtension(t, url)
	bad.send(map[string]any{"event": "tab_created", "params": map[string]any{}})
	select {
	case <-fatal:
	case <-time.After(2 * time.Second):
		t.Fatal("expected handshake rejection to be fatal for first connection")
	}
	bad.close()

	good := dialExtension(t, url)
	defer good.close()
	good.hello("1.0")
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	// A later bad connection only logs; no second fatal.
	bad2 := dialExtension(t, url)
	bad2.send(map[string]any{"corr": 1, "ok": true})
	select {
	case err := <-fatal:
		t.Fatalf("unexpected second fatal: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	bad2.close()

	if !ch.Connected() {
		t.Fatal("good connection should survive a rejected newcomer")
	}
}

func TestReplacementConnection(t *testing.T) {
	ch, url := newTestChannel(t, Handlers{})
	first := dialExtension(t, url)
	first.hello("1.0")
	first.pump()
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, ch.Connected)

	// A call left pending across the replacement fails with ErrDisconnected.
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), "navigate", nil)
		errCh <- err
	}()
	first.nextRequest(t)

	second := dialExtension(t, url)
	defer second.close()
	second.hello("2.0")

	if err := <-errCh; !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected for call pending across replacement, got %v", err)
	}
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, func() bool {
		hello, connected := ch.HelloInfo()
		return connected && hello.Version == "2.0"
	})
}

func TestStatusSubscription(t *testing.T) {
	ch, url := newTestChannel(t, Handlers{})
	sub, cancel := ch.SubscribeStatus()
	defer cancel()

	if st := <-sub; st.Connected {
		t.Fatal("initial status should be disconnected")
	}

	ext := dialExtension(t, url)
	ext.hello("1.0")
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, func() bool {
		select {
		case st := <-sub:
			return st.Connected && st.Hello.Version == "1.0"
		default:
			return false
		}
	})

	ext.close()
	waitForCondition(t, 2*time.Second, 10*time.Millisecond, func() bool {
		select {
		case st := <-sub:
			return !st.Connected
		default:
			return false
		}
	})
}
