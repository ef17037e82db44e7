// Package calllog keeps a bounded operator-facing record of every
// request/response cycle and forwarded event that crosses the bridge.
package calllog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/openbrop/bridge/lib/ring"
)

// Protocol tags which surface produced an entry.
type Protocol string

const (
	ProtocolBROP     Protocol = "BROP"
	ProtocolCDP      Protocol = "CDP"
	ProtocolCDPEvent Protocol = "CDP_EVENT"
	ProtocolSystem   Protocol = "SYSTEM"
)

// maxPayloadBytes bounds stored params/results. Larger payloads are replaced
// with an explicit truncation marker so screenshots and DOM dumps cannot
// bloat the ring.
const maxPayloadBytes = 4096

// Entry is one recorded cycle.
type Entry struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Protocol   Protocol        `json:"protocol"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"durationMs,omitempty"`
}

// Log is the bounded ring of entries. When recordAll is false only SYSTEM
// entries are kept, which keeps the ring quiet on busy deployments.
type Log struct {
	buf       *ring.Buffer[Entry]
	recordAll bool
}

// New creates a log holding at most capacity entries.
func New(capacity int, recordAll bool) *Log {
	return &Log{
		buf:       ring.New[Entry](capacity),
		recordAll: recordAll,
	}
}

// Record appends a request/response cycle. Ignored for non-SYSTEM protocols
// when request logging is disabled.
func (l *Log) Record(proto Protocol, method string, params, result json.RawMessage, errText string, duration time.Duration) {
	if !l.recordAll && proto != ProtocolSystem {
		return
	}
	l.buf.Append(Entry{
		ID:         cuid2.Generate(),
		Timestamp:  time.Now(),
		Protocol:   proto,
		Method:     method,
		Params:     Sanitize(params),
		Result:     Sanitize(result),
		Error:      errText,
		DurationMS: duration.Milliseconds(),
	})
}

// Event appends a forwarded CDP event.
func (l *Log) Event(method string, params json.RawMessage) {
	l.Record(ProtocolCDPEvent, method, params, nil, "", 0)
}

// System appends an operational entry (lifecycle, drops, orphan replies).
// These are recorded regardless of the request-log setting.
func (l *Log) System(method string, detail any) {
	var params json.RawMessage
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			params = raw
		}
	}
	l.buf.Append(Entry{
		ID:        cuid2.Generate(),
		Timestamp: time.Now(),
		Protocol:  ProtocolSystem,
		Method:    method,
		Params:    Sanitize(params),
	})
}

// Tail returns up to n entries ending at the newest, oldest first.
func (l *Log) Tail(n int) []Entry {
	return l.buf.Last(n)
}

// Len returns the number of buffered entries.
func (l *Log) Len() int { return l.buf.Len() }

// TotalRecorded returns the count of entries ever appended.
func (l *Log) TotalRecorded() int64 { return l.buf.TotalAdded() }

// Sanitize bounds a payload for storage. Oversized payloads become a marker
// object recording the original size.
func Sanitize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) <= maxPayloadBytes {
		return raw
	}
	return json.RawMessage(fmt.Sprintf(`{"truncated":true,"originalBytes":%d}`, len(raw)))
}
