// Package ident owns the three identifier spaces the bridge routes between:
// browser tab ids reported by the extension, CDP target ids, and CDP session
// ids. The Registry is the single owner of tab, target, and session records;
// every other component resolves identifiers through it.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
)

// TabID is the numeric browser tab id assigned by the extension.
type TabID int

func (t TabID) String() string { return strconv.Itoa(int(t)) }

// TargetID is the opaque CDP target identifier. Target ids are derived
// deterministically from the tab id so a reconnect to the same tab yields the
// same target id.
type TargetID string

// SessionID is the opaque CDP session identifier, generated as 128 bits of
// randomness rendered as 32 uppercase hex characters.
type SessionID string

// BrowserContextID labels a CDP browser context. The extension has no real
// context isolation; contexts are grouping labels only.
type BrowserContextID string

// ClientID identifies one client websocket connection.
type ClientID string

// TabStatus is the load state the extension reports for a tab.
type TabStatus string

const (
	TabLoading  TabStatus = "loading"
	TabComplete TabStatus = "complete"
	TabClosed   TabStatus = "closed"
)

// TargetState tracks the per-target lifecycle. Destroyed is terminal.
type TargetState int

const (
	TargetCreated TargetState = iota
	TargetAttached
	TargetDestroyed
)

func (s TargetState) String() string {
	switch s {
	case TargetCreated:
		return "created"
	case TargetAttached:
		return "attached"
	case TargetDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() SessionID {
	buf := make([]byte, 16)
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(buf)
	return SessionID(strings.ToUpper(hex.EncodeToString(buf)))
}

// TargetIDForTab derives the stable target id for a tab.
func TargetIDForTab(prefix string, tab TabID) TargetID {
	return TargetID(prefix + tab.String())
}
