package audit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *memorySink) Append(record Record) {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
}

func emitSample(logger *Logger, n int) {
	tenant := int64(42)
	for i := 0; i < n; i++ {
		logger.Emit(Event{
			Actor:     "admin",
			TenantID:  &tenant,
			Resource:  "invoice",
			Action:    "update",
			RequestID: "req-1",
			Metadata:  map[string]any{"field": "total"},
		})
	}
}

func TestLogger_ChainLinkage(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)

	emitSample(logger, 5)
	require.Len(t, sink.records, 5)

	assert.Equal(t, genesisHash, sink.records[0].PrevHash)
	for i := 1; i < len(sink.records); i++ {
		assert.Equal(t, sink.records[i-1].EventHash, sink.records[i].PrevHash,
			"record %d must link to its predecessor", i)
	}

	assert.Equal(t, -1, VerifyChain("audit-secret", sink.records))
}

func TestLogger_TamperDetectedWithoutSuccessor(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)
	emitSample(logger, 3)

	tampered := sink.records[1]
	tampered.Outcome = OutcomeFailed

	// The edited record alone no longer matches its own hash.
	assert.NotEqual(t, tampered.EventHash, RecomputeHash("audit-secret", tampered))

	records := append([]Record{}, sink.records...)
	records[1] = tampered
	assert.Equal(t, 1, VerifyChain("audit-secret", records))
}

func TestLogger_DeletionBreaksChain(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)
	emitSample(logger, 4)

	// Drop record 1; record 2's prev_hash no longer matches.
	records := []Record{sink.records[0], sink.records[2], sink.records[3]}
	assert.Equal(t, 1, VerifyChain("audit-secret", records))
}

func TestLogger_WrongSecretFailsVerification(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)
	emitSample(logger, 2)

	assert.Equal(t, 0, VerifyChain("other-secret", sink.records))
}

func TestLogger_DefaultsApplied(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)

	record := logger.Emit(Event{Actor: "admin", Resource: "trip", Action: "create", RequestID: "req-9"})
	assert.Equal(t, OutcomeSuccess, record.Outcome)
	assert.NotNil(t, record.Metadata)
	assert.Nil(t, record.TenantID)
}

func TestLogger_ConcurrentEmitsKeepChainIntact(t *testing.T) {
	sink := &memorySink{}
	logger := NewLogger("audit-secret", sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Emit(Event{Actor: "admin", Resource: "company", Action: "access", RequestID: "req"})
			}
		}()
	}
	wg.Wait()

	require.Len(t, sink.records, 200)

	// Sink order may differ from chain order under concurrency; verify by
	// replaying records sorted into chain order via prev_hash linkage.
	byPrev := make(map[string]Record, len(sink.records))
	for _, record := range sink.records {
		byPrev[record.PrevHash] = record
	}
	ordered := make([]Record, 0, len(sink.records))
	prev := genesisHash
	for range sink.records {
		record, ok := byPrev[prev]
		require.True(t, ok, "chain gap at %s", prev)
		ordered = append(ordered, record)
		prev = record.EventHash
	}
	assert.Equal(t, -1, VerifyChain("audit-secret", ordered))
}
