// Package console aggregates console output reported by the extension into
// per-tab bounded rings that clients query through get_console_logs.
package console

import (
	"fmt"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/openbrop/bridge/lib/ident"
	"github.com/openbrop/bridge/lib/ring"
)

// Entry is one captured console line.
type Entry struct {
	ID        string      `json:"id"`
	TabID     ident.TabID `json:"tabId"`
	Timestamp time.Time   `json:"timestamp"`
	Level     string      `json:"level"`
	Text      string      `json:"text"`
	Source    string      `json:"source,omitempty"`
	Line      int         `json:"line,omitempty"`
	Column    int         `json:"column,omitempty"`
}

// NormalizeLevel maps extension-reported level strings onto the recognized
// set: log, info, warn, error, debug.
func NormalizeLevel(level string) string {
	switch level {
	case "log", "info", "warn", "error", "debug":
		return level
	case "warning":
		return "warn"
	case "err", "exception", "assert":
		return "error"
	case "verbose", "trace":
		return "debug"
	default:
		return "log"
	}
}

// Store keeps one bounded ring of entries per tab.
type Store struct {
	mu       sync.Mutex
	perTab   map[ident.TabID]*ring.Buffer[Entry]
	capacity int
}

// NewStore creates a store whose per-tab rings hold at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		perTab:   make(map[ident.TabID]*ring.Buffer[Entry]),
		capacity: capacity,
	}
}

// Append records one entry, evicting the tab's oldest entry when the ring is
// full. The entry id and timestamp are filled in if missing; ids combine the
// millisecond timestamp with a random nonce so they stay unique and sortable.
func (s *Store) Append(entry Entry) Entry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Level = NormalizeLevel(entry.Level)
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%d-%s", entry.Timestamp.UnixMilli(), cuid2.Generate())
	}
	s.bufferFor(entry.TabID).Append(entry)
	return entry
}

// Query returns up to limit entries for a tab, most recent first. An empty
// level matches all levels; limit <= 0 returns everything buffered.
func (s *Store) Query(tab ident.TabID, limit int, level string) []Entry {
	s.mu.Lock()
	buf := s.perTab[tab]
	s.mu.Unlock()
	if buf == nil {
		return nil
	}
	if limit <= 0 {
		limit = s.capacity
	}
	if level == "" {
		return buf.LastFunc(limit, func(Entry) bool { return true })
	}
	want := NormalizeLevel(level)
	return buf.LastFunc(limit, func(e Entry) bool { return e.Level == want })
}

// Count returns how many entries are currently buffered for a tab.
func (s *Store) Count(tab ident.TabID) int {
	s.mu.Lock()
	buf := s.perTab[tab]
	s.mu.Unlock()
	if buf == nil {
		return 0
	}
	return buf.Len()
}

// Counts maps each tab with buffered output to its entry count.
func (s *Store) Counts() map[ident.TabID]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ident.TabID]int, len(s.perTab))
	for tab, buf := range s.perTab {
		out[tab] = buf.Len()
	}
	return out
}

// DropTab releases the ring for a closed tab.
func (s *Store) DropTab(tab ident.TabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perTab, tab)
}

// Clear empties one tab's ring without releasing it.
func (s *Store) Clear(tab ident.TabID) {
	s.mu.Lock()
	buf := s.perTab[tab]
	s.mu.Unlock()
	if buf != nil {
		buf.Clear()
	}
}

func (s *Store) bufferFor(tab ident.TabID) *ring.Buffer[Entry] {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.perTab[tab]
	if buf == nil {
		buf = ring.New[Entry](s.capacity)
		s.perTab[tab] = buf
	}
	return buf
}
