package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
	"github.com/openbrop/bridge/lib/zstdutil"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubOpener fakes the router side of discovery.
type stubOpener struct {
	reg       *ident.Registry
	activated []ident.TargetID
	closed    []ident.TargetID
	failWith  error
}

func (s *stubOpener) CreateTab(ctx context.Context, url string) (ident.Target, ident.Tab, error) {
	if s.failWith != nil {
		return ident.Target{}, ident.Tab{}, s.failWith
	}
	target, _ := s.reg.UpsertTab(ident.Tab{ID: 99, URL: url, Title: "new tab"})
	tab, _ := s.reg.Tab(99)
	return target, tab, nil
}

func (s *stubOpener) ActivateTarget(ctx context.Context, id ident.TargetID) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.activated = append(s.activated, id)
	return nil
}

func (s *stubOpener) CloseTarget(ctx context.Context, id ident.TargetID) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.closed = append(s.closed, id)
	return nil
}

func newTestServer(t *testing.T, reg *ident.Registry, opener *stubOpener) *httptest.Server {
	t.Helper()
	calls := calllog.New(10, true)
	store := console.NewStore(10)
	ext := extchan.NewChannel(silentLogger(), time.Second)
	s := NewServer(silentLogger(), reg, opener, ext, calls, store,
		VersionInfo{
			Browser:         "Chrome/131.0.0.0",
			ProtocolVersion: "1.3",
			UserAgent:       "test-agent",
			V8Version:       "13.1",
			WebKitVersion:   "537.36",
		},
		"token-123",
		func() string { return "127.0.0.1:9222" },
		map[string]string{"cfg": "echo"},
	)
	r := chi.NewRouter()
	s.Mount(r)
	s.MountDiag(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestVersionDocument(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	srv := newTestServer(t, reg, &stubOpener{reg: reg})

	var doc map[string]string
	if code := getJSON(t, srv.URL+"/json/version", &doc); code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	// Chrome's field names, hyphens included, must all be present.
	for _, key := range []string{"Browser", "Protocol-Version", "User-Agent", "V8-Version", "WebKit-Version", "webSocketDebuggerUrl"} {
		if doc[key] == "" {
			t.Fatalf("missing field %q in %v", key, doc)
		}
	}
	want := "ws://127.0.0.1:9222/devtools/browser/token-123"
	if doc["webSocketDebuggerUrl"] != want {
		t.Fatalf("expected %q, got %q", want, doc["webSocketDebuggerUrl"])
	}
}

func TestTargetList(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	target, _ := reg.UpsertTab(ident.Tab{ID: 4, URL: "https://example.com", Title: "Example"})
	srv := newTestServer(t, reg, &stubOpener{reg: reg})

	for _, path := range []string{"/json", "/json/list"} {
		var list []TargetEntry
		if code := getJSON(t, srv.URL+path, &list); code != http.StatusOK {
			t.Fatalf("unexpected status %d for %s", code, path)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(list))
		}
		entry := list[0]
		if entry.ID != target.ID {
			t.Fatalf("entry id must equal the CDP target id: %q != %q", entry.ID, target.ID)
		}
		if entry.Type != "page" || entry.URL != "https://example.com" || entry.Title != "Example" {
			t.Fatalf("unexpected entry %+v", entry)
		}
		want := "ws://127.0.0.1:9222/devtools/page/" + string(target.ID)
		if entry.WebSocketDebuggerURL != want {
			t.Fatalf("expected %q, got %q", want, entry.WebSocketDebuggerURL)
		}
	}
}

func TestNewTab(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	opener := &stubOpener{reg: reg}
	srv := newTestServer(t, reg, opener)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/json/new?https://example.com/page", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var entry TargetEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	if entry.ID != "TAB_99" || entry.URL != "https://example.com/page" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestActivateAndClose(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	target, _ := reg.UpsertTab(ident.Tab{ID: 4})
	opener := &stubOpener{reg: reg}
	srv := newTestServer(t, reg, opener)

	var out map[string]string
	if code := getJSON(t, srv.URL+"/json/activate/"+string(target.ID), &out); code != http.StatusOK {
		t.Fatalf("activate status %d", code)
	}
	if code := getJSON(t, srv.URL+"/json/close/"+string(target.ID), &out); code != http.StatusOK {
		t.Fatalf("close status %d", code)
	}
	if len(opener.activated) != 1 || opener.activated[0] != target.ID {
		t.Fatalf("activate not routed: %v", opener.activated)
	}
	if len(opener.closed) != 1 || opener.closed[0] != target.ID {
		t.Fatalf("close not routed: %v", opener.closed)
	}
}

func TestErrorMapping(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	cases := []struct {
		err  error
		want int
	}{
		{ident.ErrTargetGone, http.StatusNotFound},
		{ident.ErrUnknownTarget, http.StatusNotFound},
		{extchan.ErrDisconnected, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(t, reg, &stubOpener{reg: reg, failWith: tc.err})
		var out map[string]string
		if code := getJSON(t, srv.URL+"/json/close/TAB_1", &out); code != tc.want {
			t.Fatalf("error %v: expected status %d, got %d", tc.err, tc.want, code)
		}
		if out["error"] == "" {
			t.Fatalf("error %v: expected JSON error body", tc.err)
		}
	}
}

func TestDiagnosticsSnapshot(t *testing.T) {
	reg := ident.NewRegistry("TAB_")
	reg.UpsertTab(ident.Tab{ID: 1, URL: "https://example.com"})
	srv := newTestServer(t, reg, &stubOpener{reg: reg})

	resp, err := http.Get(srv.URL + "/diag/state.zst")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Config    map[string]string `json:"config"`
		Extension struct {
			Connected bool `json:"connected"`
		} `json:"extension"`
		Registry struct {
			Tabs []ident.Tab `json:"Tabs"`
		} `json:"registry"`
	}
	if err := zstdutil.ReadJSON(bytes.NewReader(body), &doc); err != nil {
		t.Fatalf("decompress snapshot: %v", err)
	}
	if doc.Config["cfg"] != "echo" {
		t.Fatalf("config echo missing: %+v", doc.Config)
	}
	if doc.Extension.Connected {
		t.Fatal("no extension is connected in this test")
	}
	if len(doc.Registry.Tabs) != 1 {
		t.Fatalf("expected 1 tab in snapshot, got %+v", doc.Registry)
	}
}
