package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openbrop/bridge/lib/ident"
)

// CreateTab opens a browser tab through the extension and registers its
// target. An empty url opens a blank page. The tab_created event for the
// same tab may arrive concurrently; registration is idempotent either way.
func (rt *Router) CreateTab(ctx context.Context, pageURL string) (ident.Target, ident.Tab, error) {
	if pageURL == "" {
		pageURL = "about:blank"
	}
	raw, err := rt.ext.Call(ctx, "create_tab", map[string]string{"url": pageURL})
	if err != nil {
		return ident.Target{}, ident.Tab{}, err
	}
	var payload tabPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ident.Target{}, ident.Tab{}, fmt.Errorf("parse create_tab reply: %w", err)
	}
	target := rt.registerTab(payload)
	tab, ok := rt.reg.Tab(ident.TabID(payload.TabID))
	if !ok {
		// The tab closed between the reply and this lookup.
		return target, ident.Tab{}, ident.ErrTargetGone
	}
	return target, tab, nil
}

// ActivateTarget brings the target's tab to the front.
func (rt *Router) ActivateTarget(ctx context.Context, id ident.TargetID) error {
	target, err := rt.reg.ResolveTarget(id)
	if err != nil {
		return err
	}
	_, err = rt.ext.Call(ctx, "activate_tab", map[string]ident.TabID{"tabId": target.TabID})
	return err
}

// CloseTarget closes the target's tab through the extension, then destroys
// the target locally so attached sessions learn immediately instead of
// waiting for the tab_removed event.
func (rt *Router) CloseTarget(ctx context.Context, id ident.TargetID) error {
	target, err := rt.reg.ResolveTarget(id)
	if err != nil {
		return err
	}
	if _, err := rt.ext.Call(ctx, "close_tab", map[string]ident.TabID{"tabId": target.TabID}); err != nil {
		return err
	}
	rt.destroyTarget(target.TabID)
	return nil
}
