package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/samber/lo"

	"github.com/openbrop/bridge/lib/brop"
	"github.com/openbrop/bridge/lib/calllog"
	"github.com/openbrop/bridge/lib/console"
	"github.com/openbrop/bridge/lib/extchan"
	"github.com/openbrop/bridge/lib/ident"
)

var _ brop.Handler = (*Router)(nil)

// forwardedTabOps are the BROP methods passed to the extension unchanged once
// the tab id checks out. Op names mirror the BROP method names.
var forwardedTabOps = map[string]bool{
	"navigate":           true,
	"execute_console":    true,
	"evaluate_js":        true,
	"get_page_content":   true,
	"get_screenshot":     true,
	"get_simplified_dom": true,
	"click":              true,
	"type":               true,
	"get_element":        true,
	"activate_tab":       true,
}

// waitSlack pads the extension deadline for wait_for_element past the
// client-requested wait, so the extension's own timeout answer wins.
const waitSlack = 5 * time.Second

// HandleBROP answers one BROP request. Purely local methods never touch the
// extension; tab-scoped methods are validated against the registry first.
func (rt *Router) HandleBROP(ctx context.Context, c *brop.Client, req brop.Request) brop.Response {
	start := time.Now()
	method, params, err := req.Normalize()
	if err != nil {
		resp := brop.Fail(req.ID, err.Error())
		rt.calls.Record(calllog.ProtocolBROP, "(malformed)", nil, nil, resp.Error, time.Since(start))
		return resp
	}

	resp := rt.dispatchBROP(ctx, method, params)
	resp.ID = req.ID
	rt.calls.Record(calllog.ProtocolBROP, method, params, resp.Result, resp.Error, time.Since(start))
	return resp
}

func (rt *Router) dispatchBROP(ctx context.Context, method string, params json.RawMessage) brop.Response {
	switch method {
	case "ping":
		return brop.OK(nil, map[string]bool{"pong": true})
	case "get_extension_status":
		return rt.bropExtensionStatus()
	case "get_extension_version":
		return rt.bropExtensionVersion(ctx)
	case "get_extension_errors":
		return brop.OK(nil, map[string]any{"errors": rt.ExtensionErrors()})
	case "clear_extension_errors":
		rt.ClearExtensionErrors()
		return brop.OK(nil, nil)
	case "list_tabs":
		return rt.bropListTabs()
	case "create_tab":
		return rt.bropCreateTab(ctx, params)
	case "close_tab":
		return rt.bropCloseTab(ctx, params)
	case "get_console_logs":
		return rt.bropConsoleLogs(params)
	case "wait_for_element":
		return rt.bropWaitForElement(ctx, params)
	}

	if forwardedTabOps[method] {
		return rt.bropForward(ctx, method, params)
	}
	return brop.Fail(nil, "unknown method: "+method)
}

func (rt *Router) bropExtensionStatus() brop.Response {
	hello, connected := rt.ext.HelloInfo()
	status := map[string]any{"connected": connected}
	if connected {
		status["version"] = hello.Version
		if hello.Browser != "" {
			status["browser"] = hello.Browser
		}
	}
	return brop.OK(nil, status)
}

func (rt *Router) bropExtensionVersion(ctx context.Context) brop.Response {
	raw, err := rt.ext.Call(ctx, "get_extension_version", nil)
	if err != nil {
		return brop.Fail(nil, bropErrorText(err))
	}
	return brop.OK(nil, raw)
}

func (rt *Router) bropListTabs() brop.Response {
	tabs := lo.Map(rt.reg.Tabs(), func(tab ident.Tab, _ int) map[string]any {
		return tabDescription(tab)
	})
	return brop.OK(nil, map[string]any{"tabs": tabs})
}

func (rt *Router) bropCreateTab(ctx context.Context, params json.RawMessage) brop.Response {
	var p struct {
		URL string `json:"url"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return brop.Fail(nil, "invalid create_tab params")
		}
	}
	_, tab, err := rt.CreateTab(ctx, p.URL)
	if err != nil {
		return brop.Fail(nil, bropErrorText(err))
	}
	return brop.OK(nil, tabDescription(tab))
}

func (rt *Router) bropCloseTab(ctx context.Context, params json.RawMessage) brop.Response {
	tabID, resp := rt.requireTab(params)
	if resp != nil {
		return *resp
	}
	target, ok := rt.reg.TargetByTab(tabID)
	if !ok {
		return brop.Fail(nil, "no tab with id "+tabID.String())
	}
	if err := rt.CloseTarget(ctx, target.ID); err != nil {
		return brop.Fail(nil, bropErrorText(err))
	}
	return brop.OK(nil, map[string]bool{"closed": true})
}

func (rt *Router) bropConsoleLogs(params json.RawMessage) brop.Response {
	var p struct {
		TabID *int   `json:"tabId"`
		Limit int    `json:"limit"`
		Level string `json:"level"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.TabID == nil {
		return brop.Fail(nil, "tabId is required")
	}
	tabID := ident.TabID(*p.TabID)
	if resp := rt.checkTabLive(tabID); resp != nil {
		return *resp
	}
	entries := rt.console.Query(tabID, p.Limit, p.Level)
	if entries == nil {
		entries = []console.Entry{}
	}
	return brop.OK(nil, map[string]any{"logs": entries, "count": len(entries)})
}

// bropWaitForElement forwards with a stretched extension deadline so a long
// client-side wait is not cut short by the default call timeout.
func (rt *Router) bropWaitForElement(ctx context.Context, params json.RawMessage) brop.Response {
	if _, resp := rt.requireTab(params); resp != nil {
		return *resp
	}
	var p struct {
		Timeout int `json:"timeout"`
	}
	_ = json.Unmarshal(params, &p)
	deadline := time.Duration(p.Timeout)*time.Millisecond + waitSlack
	raw, err := rt.ext.CallTimeout(ctx, "wait_for_element", params, deadline)
	if err != nil {
		return brop.Fail(nil, bropErrorText(err))
	}
	return brop.OK(nil, raw)
}

// bropForward validates the tab id and passes the request through unchanged.
func (rt *Router) bropForward(ctx context.Context, method string, params json.RawMessage) brop.Response {
	if _, resp := rt.requireTab(params); resp != nil {
		return *resp
	}
	raw, err := rt.ext.Call(ctx, method, params)
	if err != nil {
		return brop.Fail(nil, bropErrorText(err))
	}
	return brop.OK(nil, raw)
}

// requireTab extracts and validates the tabId every tab-scoped request must
// carry. The returned response, when non-nil, is the failure to send.
func (rt *Router) requireTab(params json.RawMessage) (ident.TabID, *brop.Response) {
	var p struct {
		TabID *int `json:"tabId"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			fail := brop.Fail(nil, "invalid params")
			return 0, &fail
		}
	}
	if p.TabID == nil {
		fail := brop.Fail(nil, "tabId is required")
		return 0, &fail
	}
	tabID := ident.TabID(*p.TabID)
	if resp := rt.checkTabLive(tabID); resp != nil {
		return tabID, resp
	}
	return tabID, nil
}

func (rt *Router) checkTabLive(tabID ident.TabID) *brop.Response {
	if _, ok := rt.reg.Tab(tabID); ok {
		return nil
	}
	if rt.reg.TabGone(tabID) {
		fail := brop.Fail(nil, "tab "+tabID.String()+" is closed")
		return &fail
	}
	fail := brop.Fail(nil, "no tab with id "+tabID.String())
	return &fail
}

func tabDescription(tab ident.Tab) map[string]any {
	return map[string]any{
		"tabId":  tab.ID,
		"url":    tab.URL,
		"title":  tab.Title,
		"status": tab.Status,
		"active": tab.Active,
	}
}

// bropErrorText flattens a routing failure to the BROP error string.
func bropErrorText(err error) string {
	switch {
	case errors.Is(err, extchan.ErrDisconnected):
		return "extension disconnected"
	case errors.Is(err, ident.ErrTargetGone):
		return "target destroyed"
	default:
		var callErr *extchan.CallError
		if errors.As(err, &callErr) {
			return callErr.Text
		}
		return err.Error()
	}
}
