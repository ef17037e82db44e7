package ident

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnknownTab     = errors.New("unknown tab")
	ErrUnknownTarget  = errors.New("unknown target")
	ErrTargetGone     = errors.New("target destroyed")
	ErrUnknownSession = errors.New("unknown session")
	ErrUnknownContext = errors.New("unknown browser context")
	ErrDefaultContext = errors.New("default browser context cannot be disposed")
)

// Tab mirrors the extension's view of one browser tab.
type Tab struct {
	ID     TabID
	URL    string
	Title  string
	Status TabStatus
	Active bool
}

// Target is the CDP-level handle for a tab. Type is always "page".
type Target struct {
	ID               TargetID
	TabID            TabID
	Type             string
	BrowserContextID BrowserContextID
	State            TargetState
}

// Attached reports whether at least one session is bound to the target.
func (t Target) Attached() bool { return t.State == TargetAttached }

// Session is one client's attachment to a target. The client is referenced by
// id only; the registry never owns connections.
type Session struct {
	ID       SessionID
	TargetID TargetID
	ClientID ClientID
	Flatten  bool
}

// RemovedTab describes everything that went away when a tab closed.
type RemovedTab struct {
	Tab      Tab
	TargetID TargetID
	Sessions []Session
}

// Snapshot is a point-in-time copy of the registry for diagnostics.
type Snapshot struct {
	Tabs     []Tab
	Targets  []Target
	Sessions []Session
	Contexts []BrowserContextID
}

// Registry is the single owner of tab, target, and session records. One
// coarse mutex serializes all access; operations never block on I/O.
type Registry struct {
	mu               sync.Mutex
	prefix           string
	defaultContext   BrowserContextID
	tabs             map[TabID]*Tab
	targets          map[TargetID]*Target
	targetByTab      map[TabID]TargetID
	sessions         map[SessionID]*Session
	sessionsByTarget map[TargetID]map[SessionID]*Session
	sessionsByClient map[ClientID]map[SessionID]*Session
	contexts         map[BrowserContextID]struct{}
	destroyed        map[TargetID]struct{}
	goneSessions     map[SessionID]TargetID
}

// NewRegistry creates an empty registry. Target ids are generated as
// prefix+tabId. A default browser context always exists.
func NewRegistry(prefix string) *Registry {
	r := &Registry{
		prefix:           prefix,
		defaultContext:   BrowserContextID("default"),
		tabs:             make(map[TabID]*Tab),
		targets:          make(map[TargetID]*Target),
		targetByTab:      make(map[TabID]TargetID),
		sessions:         make(map[SessionID]*Session),
		sessionsByTarget: make(map[TargetID]map[SessionID]*Session),
		sessionsByClient: make(map[ClientID]map[SessionID]*Session),
		contexts:         make(map[BrowserContextID]struct{}),
		destroyed:        make(map[TargetID]struct{}),
		goneSessions:     make(map[SessionID]TargetID),
	}
	r.contexts[r.defaultContext] = struct{}{}
	return r
}

// DefaultContext returns the id of the built-in browser context.
func (r *Registry) DefaultContext() BrowserContextID {
	return r.defaultContext
}

// UpsertTab registers a tab and its paired target, or refreshes the tab
// attributes if both already exist. A tab id that was previously destroyed is
// revived with a fresh target record under the same target id.
func (r *Registry) UpsertTab(tab Tab) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.targetByTab[tab.ID]; ok {
		existing := r.tabs[tab.ID]
		existing.URL = tab.URL
		existing.Title = tab.Title
		if tab.Status != "" {
			existing.Status = tab.Status
		}
		existing.Active = tab.Active
		return *r.targets[id], false
	}

	targetID := TargetIDForTab(r.prefix, tab.ID)
	delete(r.destroyed, targetID)
	if tab.Status == "" {
		tab.Status = TabLoading
	}
	stored := tab
	r.tabs[tab.ID] = &stored
	target := &Target{
		ID:               targetID,
		TabID:            tab.ID,
		Type:             "page",
		BrowserContextID: r.defaultContext,
		State:            TargetCreated,
	}
	r.targets[targetID] = target
	r.targetByTab[tab.ID] = targetID
	return *target, true
}

// UpdateTab applies a partial update from a tab lifecycle event. Nil fields
// are left untouched.
func (r *Registry) UpdateTab(id TabID, url, title *string, status *TabStatus) (Tab, Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[id]
	if !ok {
		return Tab{}, Target{}, false
	}
	if url != nil {
		tab.URL = *url
	}
	if title != nil {
		tab.Title = *title
	}
	if status != nil {
		tab.Status = *status
	}
	return *tab, *r.targets[r.targetByTab[id]], true
}

// RemoveTab destroys a tab and its target. All sessions attached to the
// target are removed and returned so the caller can notify their owners. The
// target id is tombstoned for target-gone reporting.
func (r *Registry) RemoveTab(id TabID) (RemovedTab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetID, ok := r.targetByTab[id]
	if !ok {
		return RemovedTab{}, false
	}
	tab := *r.tabs[id]
	tab.Status = TabClosed

	removed := RemovedTab{Tab: tab, TargetID: targetID}
	for _, sess := range r.sessionsByTarget[targetID] {
		removed.Sessions = append(removed.Sessions, *sess)
	}
	sort.Slice(removed.Sessions, func(i, j int) bool {
		return removed.Sessions[i].ID < removed.Sessions[j].ID
	})
	for _, sess := range removed.Sessions {
		r.dropSessionLocked(sess.ID)
		// Commands on these sessions must keep failing with target-gone, not
		// invalid-session, so the destruction leaves a tombstone per session.
		r.goneSessions[sess.ID] = targetID
	}

	delete(r.tabs, id)
	delete(r.targetByTab, id)
	delete(r.targets, targetID)
	r.destroyed[targetID] = struct{}{}
	return removed, true
}

// Tab returns a copy of the tab record.
func (r *Registry) Tab(id TabID) (Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[id]
	if !ok {
		return Tab{}, false
	}
	return *tab, true
}

// TabGone reports whether a tab id used to exist but has been closed. Lets
// callers distinguish "closed" from "never heard of it".
func (r *Registry) TabGone(id TabID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, gone := r.destroyed[TargetIDForTab(r.prefix, id)]
	return gone
}

// Tabs lists all live tabs ordered by tab id.
func (r *Registry) Tabs() []Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, *tab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target returns a copy of the target record.
func (r *Registry) Target(id TargetID) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[id]
	if !ok {
		return Target{}, false
	}
	return *target, true
}

// ResolveTarget returns the live target or a taxonomy error: ErrTargetGone
// for destroyed targets, ErrUnknownTarget for ids that never existed.
func (r *Registry) ResolveTarget(id TargetID) (Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if target, ok := r.targets[id]; ok {
		return *target, nil
	}
	if _, gone := r.destroyed[id]; gone {
		return Target{}, ErrTargetGone
	}
	return Target{}, ErrUnknownTarget
}

// Targets lists all live targets ordered by tab id.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.targets))
	for _, target := range r.targets {
		out = append(out, *target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// TargetByTab resolves a tab id to its target.
func (r *Registry) TargetByTab(id TabID) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targetID, ok := r.targetByTab[id]
	if !ok {
		return Target{}, false
	}
	return *r.targets[targetID], true
}

// TabByTarget resolves a target id to its tab.
func (r *Registry) TabByTarget(id TargetID) (Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[id]
	if !ok {
		return Tab{}, false
	}
	return *r.tabs[target.TabID], true
}

// AssignContext moves a target into a browser context. Used when a target was
// first registered from an extension event and the creating client later
// names the context it asked for.
func (r *Registry) AssignContext(id TargetID, ctx BrowserContextID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[id]
	if !ok {
		return ErrUnknownTarget
	}
	if _, ok := r.contexts[ctx]; !ok {
		return ErrUnknownContext
	}
	target.BrowserContextID = ctx
	return nil
}

// CreateContext mints a new browser context id.
func (r *Registry) CreateContext() BrowserContextID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := BrowserContextID(uuid.NewString())
	r.contexts[id] = struct{}{}
	return id
}

// DisposeContext removes a context and returns the targets that were grouped
// under it so the caller can close them. The default context is permanent.
func (r *Registry) DisposeContext(id BrowserContextID) ([]TargetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == r.defaultContext {
		return nil, ErrDefaultContext
	}
	if _, ok := r.contexts[id]; !ok {
		return nil, ErrUnknownContext
	}
	delete(r.contexts, id)
	var orphaned []TargetID
	for _, target := range r.targets {
		if target.BrowserContextID == id {
			target.BrowserContextID = r.defaultContext
			orphaned = append(orphaned, target.ID)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned, nil
}

// HasContext reports whether the context id is known.
func (r *Registry) HasContext(id BrowserContextID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[id]
	return ok
}

// Contexts lists all context ids, default first.
func (r *Registry) Contexts() []BrowserContextID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BrowserContextID, 0, len(r.contexts))
	for id := range r.contexts {
		if id != r.defaultContext {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return append([]BrowserContextID{r.defaultContext}, out...)
}

// Attach binds a new session to a live target on behalf of a client.
func (r *Registry) Attach(id TargetID, client ClientID, flatten bool) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.targets[id]
	if !ok {
		if _, gone := r.destroyed[id]; gone {
			return Session{}, ErrTargetGone
		}
		return Session{}, ErrUnknownTarget
	}

	sess := &Session{
		ID:       NewSessionID(),
		TargetID: id,
		ClientID: client,
		Flatten:  flatten,
	}
	r.sessions[sess.ID] = sess
	if r.sessionsByTarget[id] == nil {
		r.sessionsByTarget[id] = make(map[SessionID]*Session)
	}
	r.sessionsByTarget[id][sess.ID] = sess
	if r.sessionsByClient[client] == nil {
		r.sessionsByClient[client] = make(map[SessionID]*Session)
	}
	r.sessionsByClient[client][sess.ID] = sess
	target.State = TargetAttached
	return *sess, nil
}

// Detach removes a session. Detaching the last session does not destroy the
// target; it returns to the created state.
func (r *Registry) Detach(id SessionID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	removed := *sess
	r.dropSessionLocked(id)
	return removed, nil
}

// Session returns a copy of the session record.
func (r *Registry) Session(id SessionID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ResolveSession returns the session and its live target, or a taxonomy
// error. A session whose target has since been destroyed reports
// ErrTargetGone.
func (r *Registry) ResolveSession(id SessionID) (Session, Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		if _, gone := r.goneSessions[id]; gone {
			return Session{}, Target{}, ErrTargetGone
		}
		return Session{}, Target{}, ErrUnknownSession
	}
	target, ok := r.targets[sess.TargetID]
	if !ok {
		return *sess, Target{}, ErrTargetGone
	}
	return *sess, *target, nil
}

// SessionsForTarget lists sessions attached to a target, ordered by session
// id for deterministic fan-out.
func (r *Registry) SessionsForTarget(id TargetID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessionsByTarget[id]))
	for _, sess := range r.sessionsByTarget[id] {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SessionsForClient lists sessions owned by a client connection.
func (r *Registry) SessionsForClient(id ClientID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessionsByClient[id]))
	for _, sess := range r.sessionsByClient[id] {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DetachClient removes every session owned by a client and returns them.
// Called when a client connection goes away.
func (r *Registry) DetachClient(id ClientID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessionsByClient[id]))
	for _, sess := range r.sessionsByClient[id] {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, sess := range out {
		r.dropSessionLocked(sess.ID)
	}
	return out
}

// Reset drops all tabs, targets, and sessions. Contexts survive; they are
// bridge-local labels. Called when the extension connection is replaced and
// the world is rebuilt from a fresh tab list. Every dropped target and
// session is tombstoned; targets revive when their tab re-registers, sessions
// never do.
func (r *Registry) Reset() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshotLocked()
	for id := range r.targets {
		r.destroyed[id] = struct{}{}
	}
	for id, sess := range r.sessions {
		r.goneSessions[id] = sess.TargetID
	}
	r.tabs = make(map[TabID]*Tab)
	r.targets = make(map[TargetID]*Target)
	r.targetByTab = make(map[TabID]TargetID)
	r.sessions = make(map[SessionID]*Session)
	r.sessionsByTarget = make(map[TargetID]map[SessionID]*Session)
	r.sessionsByClient = make(map[ClientID]map[SessionID]*Session)
	return snap
}

// Snapshot copies the registry state for diagnostics.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := Snapshot{
		Tabs:     make([]Tab, 0, len(r.tabs)),
		Targets:  make([]Target, 0, len(r.targets)),
		Sessions: make([]Session, 0, len(r.sessions)),
	}
	for _, tab := range r.tabs {
		snap.Tabs = append(snap.Tabs, *tab)
	}
	for _, target := range r.targets {
		snap.Targets = append(snap.Targets, *target)
	}
	for _, sess := range r.sessions {
		snap.Sessions = append(snap.Sessions, *sess)
	}
	sort.Slice(snap.Tabs, func(i, j int) bool { return snap.Tabs[i].ID < snap.Tabs[j].ID })
	sort.Slice(snap.Targets, func(i, j int) bool { return snap.Targets[i].TabID < snap.Targets[j].TabID })
	sort.Slice(snap.Sessions, func(i, j int) bool { return snap.Sessions[i].ID < snap.Sessions[j].ID })
	for id := range r.contexts {
		snap.Contexts = append(snap.Contexts, id)
	}
	sort.Slice(snap.Contexts, func(i, j int) bool { return snap.Contexts[i] < snap.Contexts[j] })
	return snap
}

// dropSessionLocked removes one session and fixes the target state. Callers
// hold the registry lock.
func (r *Registry) dropSessionLocked(id SessionID) {
	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if byTarget := r.sessionsByTarget[sess.TargetID]; byTarget != nil {
		delete(byTarget, id)
		if len(byTarget) == 0 {
			delete(r.sessionsByTarget, sess.TargetID)
			if target, ok := r.targets[sess.TargetID]; ok {
				target.State = TargetCreated
			}
		}
	}
	if byClient := r.sessionsByClient[sess.ClientID]; byClient != nil {
		delete(byClient, id)
		if len(byClient) == 0 {
			delete(r.sessionsByClient, sess.ClientID)
		}
	}
}
