package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/cdp"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
)

// Synthesized Browser.getVersion fields. Playwright parses product as
// "Chrome/<version>", so the shape matters more than the numbers.
const (
	protocolVersion = "1.3"
	browserProduct  = "Chrome/131.0.0.0"
	browserJS       = "13.1"
	browserUA       = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// cspErrorPrefix marks extension evaluation failures caused by page CSP.
// Those surface as exceptionDetails on Runtime.evaluate, not protocol errors.
const cspErrorPrefix = "csp:"

// scope is the session a page-level command runs under.
type scope struct {
	session ident.Session
	target  ident.Target
	tab     ident.Tab
}

var _ cdp.Handler = (*Router)(nil)

// HandleRequest dispatches one CDP request. Requests on one connection are
// handled in order, and the response is queued before any post-response
// work (replayed events, connection close) runs.
func (rt *Router) HandleRequest(ctx context.Context, c *cdp.Client, req cdp.Request) {
	start := time.Now()
	resp, after := rt.dispatchCDP(ctx, c, req)

	errText := ""
	if resp.Error != nil {
		errText = resp.Error.Message
	}
	rt.calls.Record(calllog.ProtocolCDP, req.Method, req.Params, resp.Result, errText, time.Since(start))

	if err := c.SendResponse(resp); err != nil {
		rt.log.Warn("cdp response not delivered", "client", c.ID(), "method", req.Method, "err", err)
		return
	}
	if after != nil {
		after()
	}
}

// dispatchCDP produces the response for one request plus an optional
// post-response action. The response always echoes the request's sessionId.
func (rt *Router) dispatchCDP(ctx context.Context, c *cdp.Client, req cdp.Request) (cdp.Response, func()) {
	id := *req.ID
	sid := req.SessionID

	// Any carried sessionId must resolve before the method runs.
	var scoped *scope
	if sid != "" {
		sess, target, err := rt.reg.ResolveSession(sid)
		if err != nil {
			cdpErr := cdpErrorFor(err)
			return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message), nil
		}
		tab, ok := rt.reg.TabByTarget(target.ID)
		if !ok {
			return cdp.NewError(id, sid, cdp.CodeTargetGone, "target destroyed"), nil
		}
		scoped = &scope{session: sess, target: target, tab: tab}
	}

	switch req.Method {
	case "Browser.getVersion":
		return cdp.NewResult(id, sid, rt.browserVersion()), nil
	case "Browser.close":
		return cdp.NewResult(id, sid, nil), c.Close
	case "Target.setDiscoverTargets":
		return rt.handleSetDiscoverTargets(c, id, sid, req.Params)
	case "Target.setAutoAttach":
		return rt.handleSetAutoAttach(c, id, sid, req.Params), nil
	case "Target.createBrowserContext":
		return cdp.NewResult(id, sid, map[string]ident.BrowserContextID{
			"browserContextId": rt.reg.CreateContext(),
		}), nil
	case "Target.disposeBrowserContext":
		return rt.handleDisposeBrowserContext(ctx, id, sid, req.Params), nil
	case "Target.getTargets":
		return rt.handleGetTargets(id, sid), nil
	case "Target.getTargetInfo":
		return rt.handleGetTargetInfo(id, sid, scoped, req.Params), nil
	case "Target.createTarget":
		return rt.handleCreateTarget(ctx, c, id, sid, req.Params), nil
	case "Target.attachToTarget":
		return rt.handleAttachToTarget(c, id, sid, req.Params), nil
	case "Target.detachFromTarget":
		return rt.handleDetachFromTarget(id, sid, req.Params), nil
	case "Target.closeTarget":
		return rt.handleCloseTarget(ctx, id, sid, req.Params), nil
	case "Target.activateTarget":
		return rt.handleActivateTarget(ctx, id, sid, req.Params), nil
	}

	// Everything below runs against the session's target. A connection bound
	// to a page path has an implicit session and may omit the sessionId.
	if scoped == nil {
		implicitScope, cdpErr := rt.implicitScope(c)
		if cdpErr != nil {
			return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message), nil
		}
		scoped = implicitScope
	}

	switch req.Method {
	case "Page.enable", "Network.enable", "Runtime.runIfWaitingForDebugger":
		return cdp.NewResult(id, sid, nil), nil
	case "Runtime.enable":
		return rt.handleRuntimeEnable(c, id, sid, scoped)
	case "Page.getFrameTree":
		return cdp.NewResult(id, sid, rt.frameTree(scoped)), nil
	case "Page.navigate":
		return rt.handlePageNavigate(ctx, id, sid, scoped, req.Params), nil
	case "Page.reload":
		return rt.handlePageReload(ctx, id, sid, scoped), nil
	case "Page.bringToFront":
		return rt.forwardAck(ctx, id, sid, "activate_tab", map[string]ident.TabID{"tabId": scoped.tab.ID}), nil
	case "Page.captureScreenshot":
		return rt.handleCaptureScreenshot(ctx, id, sid, scoped, req.Params), nil
	case "Runtime.evaluate":
		return rt.handleRuntimeEvaluate(ctx, id, sid, scoped, req.Params), nil
	case "DOM.getDocument":
		return rt.handleGetDocument(ctx, id, sid, scoped), nil
	case "DOM.querySelector":
		return rt.handleQuerySelector(ctx, id, sid, scoped, req.Params), nil
	case "Input.dispatchMouseEvent":
		return rt.handleDispatchMouseEvent(ctx, id, sid, scoped, req.Params), nil
	case "Input.insertText":
		return rt.handleInsertText(ctx, id, sid, scoped, req.Params), nil
	}

	return cdp.NewError(id, sid, cdp.CodeUnknownMethod, "unknown method: "+req.Method), nil
}

func (rt *Router) browserVersion() map[string]string {
	revision := "@bridge"
	if hello, ok := rt.ext.HelloInfo(); ok && hello.Version != "" {
		revision = "@ext-" + hello.Version
	}
	return map[string]string{
		"protocolVersion": protocolVersion,
		"product":         browserProduct,
		"revision":        revision,
		"userAgent":       browserUA,
		"jsVersion":       browserJS,
	}
}

// handleSetDiscoverTargets toggles discovery for this client. Enabling
// replays one targetCreated per existing target after the response.
func (rt *Router) handleSetDiscoverTargets(c *cdp.Client, id int64, sid ident.SessionID, params json.RawMessage) (cdp.Response, func()) {
	var p struct {
		Discover bool `json:"discover"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "invalid setDiscoverTargets params"), nil
	}
	c.SetDiscover(p.Discover)
	if !p.Discover {
		return cdp.NewResult(id, sid, nil), nil
	}

	targets := rt.reg.Targets()
	replay := func() {
		for _, target := range targets {
			rt.deliver(c, cdp.NewEvent("Target.targetCreated", "", map[string]any{
				"targetInfo": rt.targetInfo(target),
			}))
		}
	}
	return cdp.NewResult(id, sid, nil), replay
}

func (rt *Router) handleSetAutoAttach(c *cdp.Client, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		AutoAttach             bool `json:"autoAttach"`
		WaitForDebuggerOnStart bool `json:"waitForDebuggerOnStart"`
		Flatten                bool `json:"flatten"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "invalid setAutoAttach params")
	}
	c.SetAutoAttach(p.AutoAttach, p.Flatten, p.WaitForDebuggerOnStart)
	return cdp.NewResult(id, sid, nil)
}

// handleDisposeBrowserContext removes the context and closes every tab that
// was grouped under it, matching how disposing a context closes its pages.
func (rt *Router) handleDisposeBrowserContext(ctx context.Context, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		BrowserContextID ident.BrowserContextID `json:"browserContextId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.BrowserContextID == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "browserContextId is required")
	}
	orphaned, err := rt.reg.DisposeContext(p.BrowserContextID)
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	for _, targetID := range orphaned {
		if err := rt.CloseTarget(ctx, targetID); err != nil {
			rt.log.Warn("context target close failed", "target", targetID, "err", err)
		}
	}
	return cdp.NewResult(id, sid, nil)
}

func (rt *Router) handleGetTargets(id int64, sid ident.SessionID) cdp.Response {
	infos := lo.Map(rt.reg.Targets(), func(target ident.Target, _ int) cdp.TargetInfo {
		return rt.targetInfo(target)
	})
	return cdp.NewResult(id, sid, map[string]any{"targetInfos": infos})
}

func (rt *Router) handleGetTargetInfo(id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		TargetID ident.TargetID `json:"targetId"`
	}
	_ = json.Unmarshal(params, &p)

	var target ident.Target
	switch {
	case p.TargetID != "":
		resolved, err := rt.reg.ResolveTarget(p.TargetID)
		if err != nil {
			cdpErr := cdpErrorFor(err)
			return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
		}
		target = resolved
	case scoped != nil:
		target = scoped.target
	default:
		targets := rt.reg.Targets()
		if len(targets) == 0 {
			return cdp.NewError(id, sid, cdp.CodeBadRequest, "no targets")
		}
		target = targets[0]
	}
	return cdp.NewResult(id, sid, map[string]any{"targetInfo": rt.targetInfo(target)})
}

// handleCreateTarget opens a tab and, for auto-attach callers, announces the
// session before the create response goes out.
func (rt *Router) handleCreateTarget(ctx context.Context, c *cdp.Client, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		URL              string                 `json:"url"`
		BrowserContextID ident.BrowserContextID `json:"browserContextId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "invalid createTarget params")
	}
	if p.BrowserContextID != "" && !rt.reg.HasContext(p.BrowserContextID) {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "unknown browser context: "+string(p.BrowserContextID))
	}

	target, _, err := rt.CreateTab(ctx, p.URL)
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	if p.BrowserContextID != "" {
		if err := rt.reg.AssignContext(target.ID, p.BrowserContextID); err != nil {
			rt.log.Warn("context assignment failed", "target", target.ID, "err", err)
		}
	}

	// The tab_created event path may have auto-attached this client already;
	// attach here only if it has no session on the new target yet.
	if enabled, flatten, _ := c.AutoAttach(); enabled && !rt.clientAttachedTo(c.ID(), target.ID) {
		rt.attachAndAnnounce(c, target.ID, flatten)
	}

	return cdp.NewResult(id, sid, map[string]ident.TargetID{"targetId": target.ID})
}

func (rt *Router) handleAttachToTarget(c *cdp.Client, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		TargetID ident.TargetID `json:"targetId"`
		Flatten  bool           `json:"flatten"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TargetID == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "targetId is required")
	}
	sess, err := rt.reg.Attach(p.TargetID, c.ID(), p.Flatten)
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	ev := cdp.NewEvent("Target.attachedToTarget", "", rt.attachedPayload(sess))
	rt.deliver(c, ev)
	rt.calls.Event(ev.Method, ev.Params)
	return cdp.NewResult(id, sid, map[string]ident.SessionID{"sessionId": sess.ID})
}

func (rt *Router) handleDetachFromTarget(id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		SessionID ident.SessionID `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &p)
	detachID := p.SessionID
	if detachID == "" {
		detachID = sid
	}
	if detachID == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "sessionId is required")
	}

	sess, err := rt.reg.Detach(detachID)
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	rt.forgetSession(sess.ID)
	if owner := rt.clientByID(sess.ClientID); owner != nil {
		ev := cdp.NewEvent("Target.detachedFromTarget", "", map[string]any{
			"sessionId": sess.ID,
			"targetId":  sess.TargetID,
		})
		rt.deliver(owner, ev)
		rt.calls.Event(ev.Method, ev.Params)
	}
	return cdp.NewResult(id, sid, nil)
}

// handleCloseTarget closes the tab and fans destruction out before the
// response, so attached sessions observe targetDestroyed ahead of the ack.
func (rt *Router) handleCloseTarget(ctx context.Context, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		TargetID ident.TargetID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TargetID == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "targetId is required")
	}
	if err := rt.CloseTarget(ctx, p.TargetID); err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	return cdp.NewResult(id, sid, map[string]bool{"success": true})
}

func (rt *Router) handleActivateTarget(ctx context.Context, id int64, sid ident.SessionID, params json.RawMessage) cdp.Response {
	var p struct {
		TargetID ident.TargetID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TargetID == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "targetId is required")
	}
	if err := rt.ActivateTarget(ctx, p.TargetID); err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	return cdp.NewResult(id, sid, nil)
}

// handleRuntimeEnable acknowledges and then replays the current execution
// context to the session that asked.
func (rt *Router) handleRuntimeEnable(c *cdp.Client, id int64, sid ident.SessionID, scoped *scope) (cdp.Response, func()) {
	ctxID := rt.execContextFor(scoped.target.ID)
	payload := executionContextPayload(ctxID, scoped.target.ID, scoped.tab.URL)
	sessID := scoped.session.ID
	replay := func() {
		ev := cdp.NewEvent("Runtime.executionContextCreated", sessID, payload)
		rt.deliver(c, ev)
		rt.calls.Event(ev.Method, ev.Params)
	}
	return cdp.NewResult(id, sid, nil), replay
}

func (rt *Router) frameTree(scoped *scope) map[string]any {
	return map[string]any{
		"frameTree": map[string]any{
			"frame": map[string]any{
				"id":             scoped.target.ID,
				"loaderId":       cuid2.Generate(),
				"url":            scoped.tab.URL,
				"securityOrigin": originOf(scoped.tab.URL),
				"mimeType":       "text/html",
			},
			"childFrames": []any{},
		},
	}
}

func (rt *Router) handlePageNavigate(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URL == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "url is required")
	}
	if _, err := rt.ext.Call(ctx, "navigate", map[string]any{"tabId": scoped.tab.ID, "url": p.URL}); err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	return cdp.NewResult(id, sid, map[string]any{
		"frameId":  scoped.target.ID,
		"loaderId": cuid2.Generate(),
	})
}

func (rt *Router) handlePageReload(ctx context.Context, id int64, sid ident.SessionID, scoped *scope) cdp.Response {
	currentURL := scoped.tab.URL
	if tab, ok := rt.reg.Tab(scoped.tab.ID); ok {
		currentURL = tab.URL
	}
	return rt.forwardAck(ctx, id, sid, "navigate", map[string]any{"tabId": scoped.tab.ID, "url": currentURL})
}

func (rt *Router) handleCaptureScreenshot(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		Format  string `json:"format"`
		Quality int    `json:"quality"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Format == "" {
		p.Format = "png"
	}

	call := map[string]any{"tabId": scoped.tab.ID, "format": p.Format}
	if p.Quality > 0 {
		call["quality"] = p.Quality
	}
	raw, err := rt.ext.Call(ctx, "get_screenshot", call)
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	var reply struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Data == "" {
		return cdp.NewError(id, sid, cdp.CodeServerError, "screenshot reply missing data")
	}
	return cdp.NewResult(id, sid, map[string]string{"data": reply.Data})
}

// handleRuntimeEvaluate forwards the expression and reshapes the reply into
// the Runtime.evaluate result envelope. CSP-blocked evaluation comes back as
// exceptionDetails rather than a protocol error.
func (rt *Router) handleRuntimeEvaluate(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Expression == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "expression is required")
	}

	raw, err := rt.ext.Call(ctx, "evaluate_js", map[string]any{"tabId": scoped.tab.ID, "code": p.Expression})
	if err != nil {
		var callErr *extchan.CallError
		if errors.As(err, &callErr) && strings.HasPrefix(callErr.Text, cspErrorPrefix) {
			detail := strings.TrimSpace(strings.TrimPrefix(callErr.Text, cspErrorPrefix))
			return cdp.NewResult(id, sid, evaluationException(detail))
		}
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}

	var reply struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return cdp.NewError(id, sid, cdp.CodeServerError, "malformed evaluate_js reply")
	}
	return cdp.NewResult(id, sid, map[string]any{"result": remoteObjectFor(reply.Value)})
}

func (rt *Router) handleGetDocument(ctx context.Context, id int64, sid ident.SessionID, scoped *scope) cdp.Response {
	// The round trip proves the page is reachable; the synthesized root is
	// what node-addressed commands key off.
	if _, err := rt.ext.Call(ctx, "get_simplified_dom", map[string]any{"tabId": scoped.tab.ID, "max_depth": 1}); err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	return cdp.NewResult(id, sid, map[string]any{
		"root": map[string]any{
			"nodeId":         1,
			"backendNodeId":  1,
			"nodeType":       9,
			"nodeName":       "#document",
			"localName":      "",
			"nodeValue":      "",
			"documentURL":    scoped.tab.URL,
			"baseURL":        scoped.tab.URL,
			"childNodeCount": 1,
		},
	})
}

func (rt *Router) handleQuerySelector(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Selector == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "selector is required")
	}
	raw, err := rt.ext.Call(ctx, "get_element", map[string]any{"tabId": scoped.tab.ID, "selector": p.Selector})
	if err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	var reply struct {
		Found bool `json:"found"`
	}
	_ = json.Unmarshal(raw, &reply)
	nodeID := int64(0)
	if reply.Found {
		nodeID = rt.nodeSeq.Add(1) + 1
	}
	return cdp.NewResult(id, sid, map[string]int64{"nodeId": nodeID})
}

// handleDispatchMouseEvent turns a pressed event into a coordinate click.
// Move and release phases are acknowledged locally; the extension's click
// covers the full press/release pair.
func (rt *Router) handleDispatchMouseEvent(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		Type       string  `json:"type"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button"`
		ClickCount int     `json:"clickCount"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Type == "" {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "type is required")
	}
	if p.Type != "mousePressed" || p.ClickCount < 1 {
		return cdp.NewResult(id, sid, nil)
	}
	button := p.Button
	if button == "" {
		button = "left"
	}
	return rt.forwardAck(ctx, id, sid, "click", map[string]any{
		"tabId":        scoped.tab.ID,
		"x":            p.X,
		"y":            p.Y,
		"button":       button,
		"double_click": p.ClickCount >= 2,
	})
}

func (rt *Router) handleInsertText(ctx context.Context, id int64, sid ident.SessionID, scoped *scope, params json.RawMessage) cdp.Response {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return cdp.NewError(id, sid, cdp.CodeBadRequest, "invalid insertText params")
	}
	return rt.forwardAck(ctx, id, sid, "type", map[string]any{"tabId": scoped.tab.ID, "text": p.Text})
}

// forwardAck forwards a call whose extension reply carries nothing the CDP
// caller needs; success becomes an empty result.
func (rt *Router) forwardAck(ctx context.Context, id int64, sid ident.SessionID, op string, params any) cdp.Response {
	if _, err := rt.ext.Call(ctx, op, params); err != nil {
		cdpErr := cdpErrorFor(err)
		return cdp.NewError(id, sid, cdpErr.Code, cdpErr.Message)
	}
	return cdp.NewResult(id, sid, nil)
}

// implicitScope resolves the session a page-bound connection was given when
// it connected. Connections without one must carry an explicit sessionId.
func (rt *Router) implicitScope(c *cdp.Client) (*scope, *cdp.Error) {
	sessID, ok := rt.implicitSession(c.ID())
	if !ok {
		return nil, &cdp.Error{Code: cdp.CodeBadRequest, Message: "command requires a sessionId"}
	}
	sess, target, err := rt.reg.ResolveSession(sessID)
	if err != nil {
		return nil, cdpErrorFor(err)
	}
	tab, ok := rt.reg.TabByTarget(target.ID)
	if !ok {
		return nil, &cdp.Error{Code: cdp.CodeTargetGone, Message: "target destroyed"}
	}
	return &scope{session: sess, target: target, tab: tab}, nil
}

// clientAttachedTo reports whether the client already has a session on the
// target.
func (rt *Router) clientAttachedTo(client ident.ClientID, target ident.TargetID) bool {
	for _, sess := range rt.reg.SessionsForClient(client) {
		if sess.TargetID == target {
			return true
		}
	}
	return false
}

// cdpErrorFor maps failure kinds onto the CDP error envelope.
func cdpErrorFor(err error) *cdp.Error {
	switch {
	case errors.Is(err, extchan.ErrDisconnected):
		return &cdp.Error{Code: cdp.CodeExtensionDisconnected, Message: "extension disconnected"}
	case errors.Is(err, extchan.ErrTimeout):
		return &cdp.Error{Code: cdp.CodeExtensionTimeout, Message: err.Error()}
	case errors.Is(err, ident.ErrTargetGone):
		return &cdp.Error{Code: cdp.CodeTargetGone, Message: "target destroyed"}
	case errors.Is(err, ident.ErrUnknownSession):
		return &cdp.Error{Code: cdp.CodeInvalidSession, Message: "invalid session id"}
	case errors.Is(err, ident.ErrUnknownTarget):
		return &cdp.Error{Code: cdp.CodeBadRequest, Message: "no target with given id"}
	case errors.Is(err, ident.ErrUnknownContext):
		return &cdp.Error{Code: cdp.CodeBadRequest, Message: "unknown browser context"}
	case errors.Is(err, ident.ErrDefaultContext):
		return &cdp.Error{Code: cdp.CodeBadRequest, Message: err.Error()}
	default:
		var callErr *extchan.CallError
		if errors.As(err, &callErr) {
			return &cdp.Error{Code: cdp.CodeServerError, Message: callErr.Text}
		}
		return &cdp.Error{Code: cdp.CodeServerError, Message: err.Error()}
	}
}

// remoteObjectFor classifies a JSON value the way Runtime.evaluate reports
// primitives: a type tag plus the value itself.
func remoteObjectFor(value json.RawMessage) map[string]any {
	trimmed := strings.TrimSpace(string(value))
	if trimmed == "" {
		return map[string]any{"type": "undefined"}
	}
	obj := map[string]any{"value": value}
	switch trimmed[0] {
	case '"':
		obj["type"] = "string"
	case 't', 'f':
		obj["type"] = "boolean"
	case 'n':
		obj["type"] = "object"
		obj["subtype"] = "null"
		obj["value"] = nil
	case '{':
		obj["type"] = "object"
	case '[':
		obj["type"] = "object"
		obj["subtype"] = "array"
	default:
		obj["type"] = "number"
	}
	return obj
}

// evaluationException is the Runtime.evaluate result for an expression the
// page's CSP refused to run.
func evaluationException(detail string) map[string]any {
	if detail == "" {
		detail = "evaluation blocked by content security policy"
	}
	return map[string]any{
		"result": map[string]any{"type": "undefined"},
		"exceptionDetails": map[string]any{
			"exceptionId":  1,
			"text":         "Uncaught",
			"lineNumber":   0,
			"columnNumber": 0,
			"exception": map[string]any{
				"type":        "object",
				"subtype":     "error",
				"className":   "EvalError",
				"description": detail,
			},
		},
	}
}
