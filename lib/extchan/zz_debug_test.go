package extchan

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestZZDebugHandshake(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ch := NewChannel(log, 2*time.Second)
	fatal := make(chan error, 1)
	ch.SetHandlers(Handlers{OnHandshakeFatal: func(err error) { fatal <- err }})
	srv := httptest.NewServer(http.HandlerFunc(ch.Handler()))
	t.Cleanup(srv.Close)

	bad := dialExtension(t, srv.URL)
	t.Log("dialed")
	bad.send(map[string]any{"event": "tab_created", "params": map[string]any{}})
	t.Log("sent bad frame")
	select {
	case err := <-fatal:
		t.Logf("fatal fired: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("no fatal in 30s")
	}
}
