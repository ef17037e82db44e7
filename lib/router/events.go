package router

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/openbrop/bridge/lib/cdp"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/ident"
)

// tabPayload is the flat tab description carried by extension tab events and
// tab-returning replies.
type tabPayload struct {
	TabID  int    `json:"tabId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Active bool   `json:"active"`
}

// ExtensionEvent handles one unsolicited extension event. Runs on the
// extension read loop, so nothing here may block; client delivery is
// drop-not-block.
func (rt *Router) ExtensionEvent(name string, params json.RawMessage) {
	switch name {
	case "tab_created":
		rt.onTabCreated(params)
	case "tab_updated":
		rt.onTabUpdated(params)
	case "tab_removed":
		rt.onTabRemoved(params)
	case "navigation_committed":
		rt.onNavigationCommitted(params)
	case "console_message":
		rt.onConsoleMessage(params)
	case "extension_error":
		rt.onExtensionError(params)
	default:
		rt.log.Debug("unhandled extension event", "event", name)
	}
}

func (rt *Router) onTabCreated(params json.RawMessage) {
	var p tabPayload
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed tab_created", "err", err)
		return
	}
	rt.registerTab(p)
}

func (rt *Router) onTabUpdated(params json.RawMessage) {
	var p struct {
		TabID  int     `json:"tabId"`
		URL    *string `json:"url"`
		Title  *string `json:"title"`
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed tab_updated", "err", err)
		return
	}
	var status *ident.TabStatus
	if p.Status != nil {
		s := ident.TabStatus(*p.Status)
		status = &s
	}
	_, target, ok := rt.reg.UpdateTab(ident.TabID(p.TabID), p.URL, p.Title, status)
	if !ok {
		rt.log.Debug("update for unknown tab", "tab", p.TabID)
		return
	}

	info := map[string]any{"targetInfo": rt.targetInfo(target)}
	rt.broadcastDiscover("Target.targetInfoChanged", info, nil)
	rt.fanoutToTarget(target.ID, "Target.targetInfoChanged", info)

	if status != nil && *status == ident.TabComplete {
		ts := map[string]any{"timestamp": rt.timestampSeconds()}
		rt.fanoutToTarget(target.ID, "Page.domContentEventFired", ts)
		rt.fanoutToTarget(target.ID, "Page.loadEventFired", ts)
	}
}

func (rt *Router) onTabRemoved(params json.RawMessage) {
	var p struct {
		TabID int `json:"tabId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed tab_removed", "err", err)
		return
	}
	rt.destroyTarget(ident.TabID(p.TabID))
}

func (rt *Router) onNavigationCommitted(params json.RawMessage) {
	var p struct {
		TabID int    `json:"tabId"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed navigation_committed", "err", err)
		return
	}
	loading := ident.TabLoading
	_, target, ok := rt.reg.UpdateTab(ident.TabID(p.TabID), &p.URL, nil, &loading)
	if !ok {
		rt.log.Debug("navigation for unknown tab", "tab", p.TabID)
		return
	}

	ctxID := rt.newExecContextFor(target.ID)
	rt.fanoutToTarget(target.ID, "Runtime.executionContextsCleared", map[string]any{})
	rt.fanoutToTarget(target.ID, "Page.frameNavigated", map[string]any{
		"frame": map[string]any{
			"id":             target.ID,
			"loaderId":       cuid2.Generate(),
			"url":            p.URL,
			"securityOrigin": originOf(p.URL),
			"mimeType":       "text/html",
		},
		"type": "Navigation",
	})
	rt.fanoutToTarget(target.ID, "Runtime.executionContextCreated", executionContextPayload(ctxID, target.ID, p.URL))
}

func (rt *Router) onConsoleMessage(params json.RawMessage) {
	var p struct {
		TabID  int    `json:"tabId"`
		Level  string `json:"level"`
		Text   string `json:"text"`
		Source string `json:"source"`
		Line   int    `json:"line"`
		Column int    `json:"column"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed console_message", "err", err)
		return
	}

	entry := console.Entry{
		TabID:  ident.TabID(p.TabID),
		Level:  console.NormalizeLevel(p.Level),
		Text:   p.Text,
		Source: p.Source,
		Line:   p.Line,
		Column: p.Column,
	}
	rt.console.Append(entry)

	target, ok := rt.reg.TargetByTab(entry.TabID)
	if !ok {
		return
	}
	kind := entry.Level
	if kind == "warn" {
		kind = "warning"
	}
	rt.fanoutToTarget(target.ID, "Runtime.consoleAPICalled", map[string]any{
		"type":               kind,
		"args":               []map[string]any{{"type": "string", "value": entry.Text}},
		"executionContextId": rt.execContextFor(target.ID),
		"timestamp":          float64(time.Now().UnixMilli()),
	})
}

func (rt *Router) onExtensionError(params json.RawMessage) {
	var p struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		rt.log.Warn("malformed extension_error", "err", err)
		return
	}
	rt.extErrors.Append(ExtensionError{Message: p.Message, Stack: p.Stack, Timestamp: time.Now()})
	rt.log.Warn("extension reported error", "message", p.Message)
}

// fanoutToTarget emits a session-scoped event to every session attached to a
// target. Recorded once in the call log regardless of recipient count.
func (rt *Router) fanoutToTarget(targetID ident.TargetID, method string, params any) {
	sessions := rt.reg.SessionsForTarget(targetID)
	if len(sessions) == 0 {
		return
	}
	var logged json.RawMessage
	for _, sess := range sessions {
		c := rt.clientByID(sess.ClientID)
		if c == nil {
			continue
		}
		ev := cdp.NewEvent(method, sess.ID, params)
		logged = ev.Params
		rt.deliver(c, ev)
	}
	if logged != nil {
		rt.calls.Event(method, logged)
	}
}

// broadcastDiscover emits an unscoped event to discovery subscribers plus the
// extra client ids, each client at most once.
func (rt *Router) broadcastDiscover(method string, params any, extra []ident.ClientID) {
	ev := cdp.NewEvent(method, "", params)
	seen := make(map[ident.ClientID]struct{})
	sent := false
	for _, c := range rt.clientsSnapshot() {
		if !c.Discover() {
			continue
		}
		seen[c.ID()] = struct{}{}
		rt.deliver(c, ev)
		sent = true
	}
	for _, id := range extra {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c := rt.clientByID(id); c != nil {
			rt.deliver(c, ev)
			sent = true
		}
	}
	if sent {
		rt.calls.Event(method, ev.Params)
	}
}

// deliver queues an event; a drop at the high-water mark is logged but never
// blocks the caller.
func (rt *Router) deliver(c *cdp.Client, ev cdp.Event) {
	if c.SendEvent(ev) {
		return
	}
	if c.Gone() {
		return
	}
	rt.log.Warn("event dropped at high-water mark", "client", c.ID(), "method", ev.Method)
	rt.calls.System("event_dropped", map[string]any{"client": c.ID(), "method": ev.Method})
}

func executionContextPayload(id int64, targetID ident.TargetID, pageURL string) map[string]any {
	return map[string]any{
		"context": map[string]any{
			"id":     id,
			"origin": originOf(pageURL),
			"name":   "",
			"auxData": map[string]any{
				"frameId":   targetID,
				"isDefault": true,
			},
		},
	}
}

// originOf reduces a URL to its security origin the way DevTools reports it.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "null"
	}
	if u.Host == "" {
		return u.Scheme + "://"
	}
	return u.Scheme + "://" + u.Host
}
