// Package audit appends hash-chained security events. Each record embeds
// the hash of its predecessor, so edits or deletions within one logger's
// run are detectable by replaying the chain offline.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Outcomes for audit events.
const (
	OutcomeSuccess             = "success"
	OutcomeFailed              = "failed"
	OutcomeFailedReuseDetected = "failed_reuse_detected"
)

// genesisHash seeds the chain for a fresh logger instance.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is the caller-supplied portion of an audit record.
type Event struct {
	Actor      string
	TenantID   *int64
	Resource   string
	ResourceID string
	Action     string
	Outcome    string
	RequestID  string
	Metadata   map[string]any
}

// Record is one emitted chain entry.
type Record struct {
	Actor      string         `json:"actor"`
	TenantID   *int64         `json:"tenant_id"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id,omitempty"`
	Action     string         `json:"action"`
	Outcome    string         `json:"outcome"`
	RequestID  string         `json:"request_id"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
	PrevHash   string         `json:"prev_hash"`
	EventHash  string         `json:"event_hash"`
}

// Sink receives finished records. Implementations must be safe for
// concurrent use; ordering of the chain is already fixed by the hashes.
type Sink interface {
	Append(record Record)
}

// Logger computes the hash chain. The mutex guards only the prev-hash
// pointer swap; the sink write happens outside the critical section.
type Logger struct {
	secret []byte

	mu       sync.Mutex
	prevHash string

	sink Sink
}

// NewLogger creates a Logger writing to sink.
func NewLogger(secret string, sink Sink) *Logger {
	return &Logger{
		secret:   []byte(secret),
		prevHash: genesisHash,
		sink:     sink,
	}
}

// Emit builds the canonical event, links it to the chain, and appends it
// to the sink. Outcome defaults to "success".
func (l *Logger) Emit(event Event) Record {
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	canonical := canonicalEvent(event, timestamp)

	l.mu.Lock()
	prev := l.prevHash
	eventHash := chainHash(l.secret, prev, canonical)
	l.prevHash = eventHash
	l.mu.Unlock()

	record := Record{
		Actor:      event.Actor,
		TenantID:   event.TenantID,
		Resource:   event.Resource,
		ResourceID: event.ResourceID,
		Action:     event.Action,
		Outcome:    event.Outcome,
		RequestID:  event.RequestID,
		Timestamp:  timestamp,
		Metadata:   event.Metadata,
		PrevHash:   prev,
		EventHash:  eventHash,
	}
	l.sink.Append(record)
	return record
}

// RecomputeHash recalculates a record's event hash from its fields. Used
// by offline verification; any edit to the record changes the result.
func RecomputeHash(secret string, record Record) string {
	event := Event{
		Actor:      record.Actor,
		TenantID:   record.TenantID,
		Resource:   record.Resource,
		ResourceID: record.ResourceID,
		Action:     record.Action,
		Outcome:    record.Outcome,
		RequestID:  record.RequestID,
		Metadata:   record.Metadata,
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
	return chainHash([]byte(secret), record.PrevHash, canonicalEvent(event, record.Timestamp))
}

// VerifyChain replays records in order, recomputing every hash and
// checking each prev_hash linkage. Returns the index of the first bad
// record, or -1 when the chain is intact.
func VerifyChain(secret string, records []Record) int {
	prev := genesisHash
	for i, record := range records {
		if record.PrevHash != prev {
			return i
		}
		if RecomputeHash(secret, record) != record.EventHash {
			return i
		}
		prev = record.EventHash
	}
	return -1
}

// canonicalEvent serializes the event fields as compact JSON with sorted
// keys. A map drives the marshal because encoding/json emits map keys in
// sorted order, which keeps the byte form stable across emit and verify.
func canonicalEvent(event Event, timestamp string) []byte {
	fields := map[string]any{
		"actor":       event.Actor,
		"tenant_id":   event.TenantID,
		"resource":    event.Resource,
		"resource_id": nullableString(event.ResourceID),
		"action":      event.Action,
		"outcome":     event.Outcome,
		"request_id":  event.RequestID,
		"timestamp":   timestamp,
		"metadata":    event.Metadata,
	}
	canonical, err := json.Marshal(fields)
	if err != nil {
		// Metadata carrying unmarshalable values is a programming error;
		// fall back to a stable representation rather than dropping the event.
		canonical = []byte(fmt.Sprintf("%q", strings.Join([]string{
			event.Actor, event.Resource, event.Action, event.Outcome, event.RequestID, timestamp,
		}, "|")))
	}
	return canonical
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func chainHash(secret []byte, prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
