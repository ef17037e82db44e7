// Package router is the glue between the client-facing servers, the
// identifier registry, and the extension channel. It is the only component
// that translates between the three identifier spaces: BROP tab ids, CDP
// target ids, and CDP session ids.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/cdp"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
	"github.com/openbrop/bridge/lib/ring"
)

// extensionErrorCapacity bounds the extension error store behind
// get_extension_errors.
const extensionErrorCapacity = 100

// rebuildTimeout bounds the tab-list fetch when an extension connects.
const rebuildTimeout = 15 * time.Second

// ExtensionError is one error report from the extension.
type ExtensionError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Router wires the protocol surfaces together. It implements cdp.Handler and
// brop.Handler and receives the extension channel's upcalls.
type Router struct {
	log     *slog.Logger
	reg     *ident.Registry
	ext     *extchan.Channel
	console *console.Store
	calls   *calllog.Log

	extErrors *ring.Buffer[ExtensionError]

	epoch   time.Time
	execSeq atomic.Int64
	nodeSeq atomic.Int64

	mu         sync.Mutex
	cdpClients map[ident.ClientID]*cdp.Client
	implicit   map[ident.ClientID]ident.SessionID
	execCtx    map[ident.TargetID]int64
}

// New creates the router. The caller wires it into the extension channel's
// handlers and the protocol servers.
func New(log *slog.Logger, reg *ident.Registry, ext *extchan.Channel, consoleStore *console.Store, calls *calllog.Log) *Router {
	return &Router{
		log:        log,
		reg:        reg,
		ext:        ext,
		console:    consoleStore,
		calls:      calls,
		extErrors:  ring.New[ExtensionError](extensionErrorCapacity),
		epoch:      time.Now(),
		cdpClients: make(map[ident.ClientID]*cdp.Client),
		implicit:   make(map[ident.ClientID]ident.SessionID),
		execCtx:    make(map[ident.TargetID]int64),
	}
}

// ExtensionHandlers returns the upcall set to install on the extension
// channel.
func (rt *Router) ExtensionHandlers() extchan.Handlers {
	return extchan.Handlers{
		OnEvent:  rt.ExtensionEvent,
		OnUp:     rt.ExtensionUp,
		OnDown:   rt.ExtensionDown,
		OnOrphan: rt.OrphanReply,
	}
}

// ClientConnected registers a CDP connection. Connections opened through a
// page-level websocket URL get an implicit session on their bound target,
// announced before any request is read.
func (rt *Router) ClientConnected(ctx context.Context, c *cdp.Client) {
	rt.mu.Lock()
	rt.cdpClients[c.ID()] = c
	rt.mu.Unlock()

	bound := c.BoundTarget()
	if bound == "" {
		return
	}
	sess, err := rt.reg.Attach(bound, c.ID(), true)
	if err != nil {
		rt.log.Warn("page-level attach failed", "client", c.ID(), "target", bound, "err", err)
		return
	}
	rt.mu.Lock()
	rt.implicit[c.ID()] = sess.ID
	rt.mu.Unlock()
	rt.deliver(c, cdp.NewEvent("Target.attachedToTarget", "", rt.attachedPayload(sess)))
}

// ClientDisconnected tears down everything a CDP connection owned. Sessions
// are removed first so no later fan-out can reference them.
func (rt *Router) ClientDisconnected(ctx context.Context, c *cdp.Client) {
	sessions := rt.reg.DetachClient(c.ID())
	rt.mu.Lock()
	delete(rt.cdpClients, c.ID())
	delete(rt.implicit, c.ID())
	rt.mu.Unlock()
	if len(sessions) > 0 {
		rt.log.Info("client sessions removed", "client", c.ID(), "sessions", len(sessions))
	}
}

// ExtensionUp rebuilds the world from the extension's tab list. Any state
// left from a previous connection is torn down first; a reconnect replaces
// the old world rather than merging into it.
func (rt *Router) ExtensionUp(hello extchan.Hello) {
	rt.calls.System("extension_connected", hello)
	rt.teardownWorld("extension reconnected")

	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()

	raw, err := rt.ext.Call(ctx, "list_tabs", nil)
	if err != nil {
		rt.log.Error("tab list rebuild failed", "err", err)
		return
	}
	var reply struct {
		Tabs []tabPayload `json:"tabs"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		rt.log.Error("tab list rebuild parse failed", "err", err)
		return
	}
	for _, tab := range reply.Tabs {
		rt.registerTab(tab)
	}
	rt.log.Info("registry rebuilt", "tabs", len(reply.Tabs))
}

// ExtensionDown fails the world: every session is torn down and clients see
// target destruction. Later commands fail fast until a reconnect.
func (rt *Router) ExtensionDown(reason error) {
	detail := ""
	if reason != nil {
		detail = reason.Error()
	}
	rt.calls.System("extension_disconnected", map[string]string{"reason": detail})
	rt.teardownWorld("extension disconnected")
}

// OrphanReply records a reply whose call had already timed out or whose
// owner disconnected. The payload is never routed anywhere.
func (rt *Router) OrphanReply(corr int64) {
	rt.calls.System("orphan_reply", map[string]int64{"corr": corr})
}

// ExtensionErrors returns the buffered extension error reports, oldest
// first.
func (rt *Router) ExtensionErrors() []ExtensionError {
	return rt.extErrors.All()
}

// ClearExtensionErrors empties the extension error store.
func (rt *Router) ClearExtensionErrors() {
	rt.extErrors.Clear()
}

// teardownWorld clears the registry and notifies every affected client. Safe
// to call with an already-empty registry.
func (rt *Router) teardownWorld(reason string) {
	snap := rt.reg.Reset()
	if len(snap.Tabs) == 0 && len(snap.Sessions) == 0 {
		return
	}

	rt.mu.Lock()
	for id := range rt.implicit {
		delete(rt.implicit, id)
	}
	rt.execCtx = make(map[ident.TargetID]int64)
	rt.mu.Unlock()

	owners := make(map[ident.TargetID][]ident.Session)
	for _, sess := range snap.Sessions {
		owners[sess.TargetID] = append(owners[sess.TargetID], sess)
	}
	for _, target := range snap.Targets {
		rt.announceDestroyed(target.ID, owners[target.ID])
	}
	for _, tab := range snap.Tabs {
		rt.console.DropTab(tab.ID)
	}
	rt.calls.System("world_reset", map[string]any{
		"reason":   reason,
		"tabs":     len(snap.Tabs),
		"sessions": len(snap.Sessions),
	})
}

// registerTab upserts a tab from extension data. New targets are announced
// to discovery subscribers and auto-attach clients. Idempotent; the
// create-tab reply path and the tab_created event path race benignly.
func (rt *Router) registerTab(payload tabPayload) ident.Target {
	target, created := rt.reg.UpsertTab(ident.Tab{
		ID:     ident.TabID(payload.TabID),
		URL:    payload.URL,
		Title:  payload.Title,
		Status: ident.TabStatus(payload.Status),
		Active: payload.Active,
	})
	if !created {
		return target
	}

	info := rt.targetInfo(target)
	rt.broadcastDiscover("Target.targetCreated", map[string]any{"targetInfo": info}, nil)

	for _, c := range rt.clientsSnapshot() {
		enabled, flatten, _ := c.AutoAttach()
		if !enabled {
			continue
		}
		rt.attachAndAnnounce(c, target.ID, flatten)
	}
	return target
}

// attachAndAnnounce creates a session for a client and emits
// Target.attachedToTarget to it. Returns the session when successful.
// Targets are never paused on start, so waitingForDebugger is always false.
func (rt *Router) attachAndAnnounce(c *cdp.Client, targetID ident.TargetID, flatten bool) (ident.Session, bool) {
	sess, err := rt.reg.Attach(targetID, c.ID(), flatten)
	if err != nil {
		rt.log.Warn("auto attach failed", "client", c.ID(), "target", targetID, "err", err)
		return ident.Session{}, false
	}
	ev := cdp.NewEvent("Target.attachedToTarget", "", rt.attachedPayload(sess))
	rt.deliver(c, ev)
	rt.calls.Event(ev.Method, ev.Params)
	return sess, true
}

// destroyTarget removes a tab's target and fans the destruction out: every
// discovery subscriber and every owner of an attached session learns the
// target is gone, then each session is detached. Idempotent; repeated
// destruction emits nothing.
func (rt *Router) destroyTarget(tabID ident.TabID) bool {
	removed, ok := rt.reg.RemoveTab(tabID)
	if !ok {
		return false
	}
	rt.console.DropTab(tabID)

	rt.mu.Lock()
	delete(rt.execCtx, removed.TargetID)
	for cid, sid := range rt.implicit {
		for _, sess := range removed.Sessions {
			if sess.ID == sid {
				delete(rt.implicit, cid)
			}
		}
	}
	rt.mu.Unlock()

	rt.announceDestroyed(removed.TargetID, removed.Sessions)
	return true
}

// announceDestroyed emits Target.targetDestroyed to discovery subscribers
// plus session owners, then Target.detachedFromTarget per session.
func (rt *Router) announceDestroyed(targetID ident.TargetID, sessions []ident.Session) {
	extra := make([]ident.ClientID, 0, len(sessions))
	for _, sess := range sessions {
		extra = append(extra, sess.ClientID)
	}
	rt.broadcastDiscover("Target.targetDestroyed", map[string]any{"targetId": targetID}, extra)

	for _, sess := range sessions {
		c := rt.clientByID(sess.ClientID)
		if c == nil {
			continue
		}
		ev := cdp.NewEvent("Target.detachedFromTarget", "", map[string]any{
			"sessionId": sess.ID,
			"targetId":  sess.TargetID,
		})
		rt.deliver(c, ev)
		rt.calls.Event(ev.Method, ev.Params)
	}
}

// forgetSession drops the implicit-session bookkeeping for a detached
// session id.
func (rt *Router) forgetSession(id ident.SessionID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for cid, sid := range rt.implicit {
		if sid == id {
			delete(rt.implicit, cid)
		}
	}
}

func (rt *Router) clientByID(id ident.ClientID) *cdp.Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cdpClients[id]
}

func (rt *Router) clientsSnapshot() []*cdp.Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*cdp.Client, 0, len(rt.cdpClients))
	for _, c := range rt.cdpClients {
		out = append(out, c)
	}
	return out
}

func (rt *Router) implicitSession(id ident.ClientID) (ident.SessionID, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sid, ok := rt.implicit[id]
	return sid, ok
}

// execContextFor returns the current execution context id for a target,
// minting one on first use. Navigation mints a replacement.
func (rt *Router) execContextFor(targetID ident.TargetID) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if id, ok := rt.execCtx[targetID]; ok {
		return id
	}
	id := rt.execSeq.Add(1)
	rt.execCtx[targetID] = id
	return id
}

func (rt *Router) newExecContextFor(targetID ident.TargetID) int64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.execSeq.Add(1)
	rt.execCtx[targetID] = id
	return id
}

// targetInfo builds the CDP description of a target from the registry.
func (rt *Router) targetInfo(target ident.Target) cdp.TargetInfo {
	info := cdp.TargetInfo{
		TargetID:         target.ID,
		Type:             target.Type,
		Attached:         target.Attached(),
		BrowserContextID: target.BrowserContextID,
	}
	if tab, ok := rt.reg.TabByTarget(target.ID); ok {
		info.Title = tab.Title
		info.URL = tab.URL
	}
	return info
}

func (rt *Router) attachedPayload(sess ident.Session) map[string]any {
	payload := map[string]any{
		"sessionId":          sess.ID,
		"waitingForDebugger": false,
	}
	if target, ok := rt.reg.Target(sess.TargetID); ok {
		payload["targetInfo"] = rt.targetInfo(target)
	} else {
		payload["targetInfo"] = cdp.TargetInfo{TargetID: sess.TargetID, Type: "page"}
	}
	return payload
}

// timestampSeconds is the monotonic timestamp CDP page events carry.
func (rt *Router) timestampSeconds() float64 {
	return time.Since(rt.epoch).Seconds()
}
