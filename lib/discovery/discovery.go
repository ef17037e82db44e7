// Package discovery serves the HTTP surface CDP clients probe before opening
// a websocket: the /json documents Chrome exposes on its debugging port, plus
// an operator diagnostics snapshot. The /json routes are byte-compatible with
// Chrome's discovery protocol; the target id in each entry is the CDP target
// id, and webSocketDebuggerUrl is the exact URL a client then dials.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
	"github.com/openbrop/bridge/lib/logger"
	"github.com/openbrop/bridge/lib/zstdutil"
)

// TabOpener is the subset of the router the discovery handlers drive.
type TabOpener interface {
	CreateTab(ctx context.Context, url string) (ident.Target, ident.Tab, error)
	ActivateTarget(ctx context.Context, id ident.TargetID) error
	CloseTarget(ctx context.Context, id ident.TargetID) error
}

// VersionInfo mirrors Chrome's /json/version document. Field names are part
// of the wire contract, hyphens included.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetEntry is one element of the /json target list.
type TargetEntry struct {
	ID                   ident.TargetID `json:"id"`
	Title                string         `json:"title"`
	Type                 string         `json:"type"`
	URL                  string         `json:"url"`
	Description          string         `json:"description"`
	DevtoolsFrontendURL  string         `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string         `json:"webSocketDebuggerUrl"`
}

// Server answers discovery requests. CDPAddr is the advertised host:port of
// the CDP websocket listener, set once the listener is bound.
type Server struct {
	log     *slog.Logger
	reg     *ident.Registry
	opener  TabOpener
	ext     *extchan.Channel
	calls   *calllog.Log
	console *console.Store

	configEcho   any
	version      VersionInfo
	browserToken string
	cdpAddr      func() string
}

// NewServer creates the discovery server. browserToken is the CDP server's
// browser-level path token; cdpAddr resolves the advertised CDP address.
func NewServer(log *slog.Logger, reg *ident.Registry, opener TabOpener, ext *extchan.Channel, calls *calllog.Log, consoleStore *console.Store, version VersionInfo, browserToken string, cdpAddr func() string, configEcho any) *Server {
	return &Server{
		log:          log,
		reg:          reg,
		opener:       opener,
		ext:          ext,
		calls:        calls,
		console:      consoleStore,
		configEcho:   configEcho,
		version:      version,
		browserToken: browserToken,
		cdpAddr:      cdpAddr,
	}
}

// Mount registers the /json routes. Mounted on the dedicated HTTP port and
// co-served on the CDP port the way Chrome does.
func (s *Server) Mount(r chi.Router) {
	r.Get("/json/version", s.handleVersion)
	r.Get("/json", s.handleList)
	r.Get("/json/list", s.handleList)
	r.Put("/json/new", s.handleNew)
	r.Get("/json/activate/{targetID}", s.handleActivate)
	r.Get("/json/close/{targetID}", s.handleClose)
}

// MountDiag registers the operator diagnostics snapshot. Only mounted on the
// dedicated HTTP port; protocol clients never see it.
func (s *Server) MountDiag(r chi.Router) {
	r.Get("/diag/state.zst", s.handleDiag)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := s.version
	v.WebSocketDebuggerURL = fmt.Sprintf("ws://%s/devtools/browser/%s", s.cdpAddr(), s.browserToken)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := lo.Map(s.reg.Targets(), func(target ident.Target, _ int) TargetEntry {
		return s.targetEntry(target)
	})
	writeJSON(w, http.StatusOK, entries)
}

// handleNew creates a tab. Chrome takes the url as the raw query string:
// PUT /json/new?https://example.com.
func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	pageURL := r.URL.RawQuery
	if pageURL == "" {
		pageURL = "about:blank"
	}
	target, _, err := s.opener.CreateTab(r.Context(), pageURL)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.targetEntry(target))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	targetID := ident.TargetID(chi.URLParam(r, "targetID"))
	if err := s.opener.ActivateTarget(r.Context(), targetID); err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "Target activated"})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	targetID := ident.TargetID(chi.URLParam(r, "targetID"))
	if err := s.opener.CloseTarget(r.Context(), targetID); err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "Target is closing"})
}

// handleDiag streams the operator snapshot zstd-compressed.
func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	hello, connected := s.ext.HelloInfo()
	snap := s.reg.Snapshot()
	doc := map[string]any{
		"config": s.configEcho,
		"extension": map[string]any{
			"connected": connected,
			"hello":     hello,
		},
		"registry":      snap,
		"callLog":       s.calls.Tail(s.calls.Len()),
		"consoleCounts": s.console.Counts(),
	}

	w.Header().Set("Content-Type", "application/zstd")
	if err := zstdutil.WriteJSON(w, doc, zstdutil.LevelFastest); err != nil {
		logger.FromContext(r.Context()).Warn("diagnostics snapshot write failed", "err", err)
	}
}

func (s *Server) targetEntry(target ident.Target) TargetEntry {
	entry := TargetEntry{
		ID:   target.ID,
		Type: target.Type,
	}
	if tab, ok := s.reg.TabByTarget(target.ID); ok {
		entry.Title = tab.Title
		entry.URL = tab.URL
	}
	addr := s.cdpAddr()
	entry.WebSocketDebuggerURL = fmt.Sprintf("ws://%s/devtools/page/%s", addr, target.ID)
	entry.DevtoolsFrontendURL = fmt.Sprintf("/devtools/inspector.html?ws=%s/devtools/page/%s", addr, target.ID)
	return entry
}

// writeError maps routing failures onto discovery's HTTP error surface.
func (s *Server) writeError(r *http.Request, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ident.ErrUnknownTarget), errors.Is(err, ident.ErrTargetGone):
		status = http.StatusNotFound
	case errors.Is(err, extchan.ErrDisconnected):
		status = http.StatusServiceUnavailable
	}
	logger.FromContext(r.Context()).Warn("discovery request failed", "path", r.URL.Path, "err", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "   ")
	_ = enc.Encode(v)
}
