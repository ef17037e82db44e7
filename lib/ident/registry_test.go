package ident

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertTabPairsTarget(t *testing.T) {
	r := NewRegistry("TAB_")

	target, created := r.UpsertTab(Tab{ID: 42, URL: "https://example.com", Title: "Example"})
	require.True(t, created)
	require.Equal(t, TargetID("TAB_42"), target.ID)
	require.Equal(t, "page", target.Type)
	require.Equal(t, r.DefaultContext(), target.BrowserContextID)
	require.Equal(t, TargetCreated, target.State)

	// Upserting again refreshes attributes without minting a new target.
	_, created = r.UpsertTab(Tab{ID: 42, URL: "https://example.com/2", Title: "Example 2"})
	require.False(t, created)
	tab, ok := r.Tab(42)
	require.True(t, ok)
	require.Equal(t, "https://example.com/2", tab.URL)

	resolved, ok := r.TargetByTab(42)
	require.True(t, ok)
	require.Equal(t, target.ID, resolved.ID)
}

func TestTargetIDStableAcrossRevival(t *testing.T) {
	r := NewRegistry("TAB_")
	first, _ := r.UpsertTab(Tab{ID: 7})
	_, ok := r.RemoveTab(7)
	require.True(t, ok)

	revived, created := r.UpsertTab(Tab{ID: 7})
	require.True(t, created)
	require.Equal(t, first.ID, revived.ID)

	_, err := r.ResolveTarget(revived.ID)
	require.NoError(t, err)
}

func TestAttachDetachLifecycle(t *testing.T) {
	r := NewRegistry("TAB_")
	target, _ := r.UpsertTab(Tab{ID: 1})

	sess, err := r.Attach(target.ID, "client-a", true)
	require.NoError(t, err)
	require.Len(t, string(sess.ID), 32)
	require.Equal(t, target.ID, sess.TargetID)

	attached, _ := r.Target(target.ID)
	require.Equal(t, TargetAttached, attached.State)

	// Detaching the last session returns the target to created, not destroyed.
	_, err = r.Detach(sess.ID)
	require.NoError(t, err)
	detached, _ := r.Target(target.ID)
	require.Equal(t, TargetCreated, detached.State)

	_, err = r.Detach(sess.ID)
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestRemoveTabDetachesSessions(t *testing.T) {
	r := NewRegistry("TAB_")
	target, _ := r.UpsertTab(Tab{ID: 5})
	s1, err := r.Attach(target.ID, "client-a", true)
	require.NoError(t, err)
	s2, err := r.Attach(target.ID, "client-b", true)
	require.NoError(t, err)

	removed, ok := r.RemoveTab(5)
	require.True(t, ok)
	require.Equal(t, target.ID, removed.TargetID)
	require.Len(t, removed.Sessions, 2)

	// Both sessions and the target id are tombstoned: commands on them must
	// read as target-gone, not unknown.
	_, _, err = r.ResolveSession(s1.ID)
	require.ErrorIs(t, err, ErrTargetGone)
	_, _, err = r.ResolveSession(s2.ID)
	require.ErrorIs(t, err, ErrTargetGone)
	_, err = r.ResolveTarget(target.ID)
	require.ErrorIs(t, err, ErrTargetGone)
	require.True(t, r.TabGone(5))

	// Repeat removal reports nothing to announce.
	_, ok = r.RemoveTab(5)
	require.False(t, ok)
}

func TestAttachToDestroyedTarget(t *testing.T) {
	r := NewRegistry("TAB_")
	target, _ := r.UpsertTab(Tab{ID: 9})
	_, ok := r.RemoveTab(9)
	require.True(t, ok)

	_, err := r.Attach(target.ID, "client-a", false)
	require.ErrorIs(t, err, ErrTargetGone)

	_, err = r.Attach("TAB_404", "client-a", false)
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestDetachClient(t *testing.T) {
	r := NewRegistry("TAB_")
	t1, _ := r.UpsertTab(Tab{ID: 1})
	t2, _ := r.UpsertTab(Tab{ID: 2})
	_, err := r.Attach(t1.ID, "client-a", true)
	require.NoError(t, err)
	_, err = r.Attach(t2.ID, "client-a", true)
	require.NoError(t, err)
	keep, err := r.Attach(t1.ID, "client-b", true)
	require.NoError(t, err)

	dropped := r.DetachClient("client-a")
	require.Len(t, dropped, 2)
	require.Empty(t, r.SessionsForClient("client-a"))

	// The other client's session survives.
	still := r.SessionsForTarget(t1.ID)
	require.Len(t, still, 1)
	require.Equal(t, keep.ID, still[0].ID)
}

func TestContexts(t *testing.T) {
	r := NewRegistry("TAB_")
	ctx := r.CreateContext()
	require.True(t, r.HasContext(ctx))
	require.True(t, r.HasContext(r.DefaultContext()))

	target, _ := r.UpsertTab(Tab{ID: 3})
	require.NoError(t, r.AssignContext(target.ID, ctx))

	orphaned, err := r.DisposeContext(ctx)
	require.NoError(t, err)
	require.Equal(t, []TargetID{target.ID}, orphaned)
	require.False(t, r.HasContext(ctx))

	// Orphaned targets fall back to the default context.
	after, _ := r.Target(target.ID)
	require.Equal(t, r.DefaultContext(), after.BrowserContextID)

	_, err = r.DisposeContext(r.DefaultContext())
	require.ErrorIs(t, err, ErrDefaultContext)
	_, err = r.DisposeContext("nope")
	require.ErrorIs(t, err, ErrUnknownContext)
}

func TestResetKeepsContexts(t *testing.T) {
	r := NewRegistry("TAB_")
	ctx := r.CreateContext()
	target, _ := r.UpsertTab(Tab{ID: 1})
	sess, err := r.Attach(target.ID, "client-a", true)
	require.NoError(t, err)

	snap := r.Reset()
	require.Len(t, snap.Tabs, 1)
	require.Len(t, snap.Sessions, 1)

	require.Empty(t, r.Tabs())
	require.Empty(t, r.Targets())
	require.True(t, r.HasContext(ctx))

	// Dropped state is tombstoned. The target revives when its tab shows up
	// in the fresh list; the session never does.
	require.True(t, r.TabGone(1))
	_, _, err = r.ResolveSession(sess.ID)
	require.ErrorIs(t, err, ErrTargetGone)

	revived, created := r.UpsertTab(Tab{ID: 1})
	require.True(t, created)
	require.Equal(t, target.ID, revived.ID)
	require.False(t, r.TabGone(1))
}

func TestSessionIDsAreUnique(t *testing.T) {
	r := NewRegistry("TAB_")
	target, _ := r.UpsertTab(Tab{ID: 1})
	seen := make(map[SessionID]struct{})
	for i := 0; i < 100; i++ {
		sess, err := r.Attach(target.ID, "client-a", true)
		require.NoError(t, err)
		_, dup := seen[sess.ID]
		require.False(t, dup, "duplicate session id %s", sess.ID)
		seen[sess.ID] = struct{}{}
	}
}
