package refresh

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleetdesk/internal/audit"
	"github.com/fleetdesk/fleetdesk/internal/models"
)

// memStore is a map-backed RecordStore for tests. InTx applies fn to a
// copy and merges only on success, mirroring transactional visibility.
type memStore struct {
	mu      sync.Mutex
	records map[string]*models.RefreshToken
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*models.RefreshToken)}
}

func (s *memStore) clone() *memStore {
	next := newMemStore()
	for id, rec := range s.records {
		copied := *rec
		next.records[id] = &copied
	}
	return next
}

func (s *memStore) InTx(_ context.Context, fn func(RecordStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.clone()
	if err := fn(staged); err != nil {
		return err
	}
	s.records = staged.records
	return nil
}

func (s *memStore) Insert(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *token
	s.records[token.ID] = &copied
	return nil
}

func (s *memStore) Update(_ context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[token.ID]; !ok {
		return models.ErrNotFound
	}
	copied := *token
	s.records[token.ID] = &copied
	return nil
}

func (s *memStore) MarkUsed(_ context.Context, id string, at time.Time, replacedByID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.ErrNotFound
	}
	if rec.UsedAt != nil || rec.RevokedAt != nil {
		return models.ErrConflict
	}
	usedAt := at
	rec.UsedAt = &usedAt
	rec.RevokedAt = &usedAt
	rec.ReplacedByID = &replacedByID
	return nil
}

func (s *memStore) FindByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.RefreshToken
	for _, rec := range s.records {
		if rec.TokenHash != tokenHash {
			continue
		}
		if found == nil || rec.CreatedAt.After(found.CreatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, models.ErrNotFound
	}
	copied := *found
	return &copied, nil
}

func (s *memStore) RevokeFamily(_ context.Context, familyID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			at := revokedAt
			rec.RevokedAt = &at
		}
	}
	return nil
}

func (s *memStore) RevokeAllForSubject(_ context.Context, subjectID string, revokedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked int64
	for _, rec := range s.records {
		if rec.SubjectID == subjectID && rec.RevokedAt == nil {
			at := revokedAt
			rec.RevokedAt = &at
			revoked++
		}
	}
	return revoked, nil
}

func (s *memStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memStore) get(id string) *models.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *memStore) all() []*models.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RefreshToken, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

type captureSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *captureSink) Append(record audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

func newTestRotator(store RecordStore) *Rotator {
	return NewRotator(store, nil, slog.New(slog.DiscardHandler))
}

func TestRotator_IssueStoresOnlyHash(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)

	raw, err := rotator.Issue(context.Background(), "admin-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	records := store.all()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "admin-1", rec.SubjectID)
	assert.Equal(t, HashToken(raw), rec.TokenHash)
	assert.NotContains(t, rec.TokenHash, raw)
	assert.NotEmpty(t, rec.FamilyID)
	assert.Nil(t, rec.UsedAt)
	assert.Nil(t, rec.RevokedAt)
}

func TestRotator_RotateYieldsNewTokenSameFamily(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	raw, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)

	subject, newRaw, err := rotator.Rotate(ctx, raw, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", subject)
	assert.NotEqual(t, raw, newRaw)

	old, err := store.FindByHash(ctx, HashToken(raw))
	require.NoError(t, err)
	next, err := store.FindByHash(ctx, HashToken(newRaw))
	require.NoError(t, err)

	assert.Equal(t, old.FamilyID, next.FamilyID)
	assert.NotNil(t, old.UsedAt)
	assert.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByID)
	assert.Equal(t, next.ID, *old.ReplacedByID)
	assert.True(t, next.Active(time.Now()))
}

func TestRotator_ReuseRevokesWholeFamily(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	raw, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)

	_, newRaw, err := rotator.Rotate(ctx, raw, time.Hour)
	require.NoError(t, err)

	// Presenting the spent token burns the family.
	_, _, err = rotator.Rotate(ctx, raw, time.Hour)
	assert.ErrorIs(t, err, models.ErrReuseDetected)

	// The freshly issued successor is burned with it.
	_, _, err = rotator.Rotate(ctx, newRaw, time.Hour)
	assert.ErrorIs(t, err, models.ErrReuseDetected)

	for _, rec := range store.all() {
		assert.NotNil(t, rec.RevokedAt)
	}
}

func TestRotator_ReuseEmitsAuditRecord(t *testing.T) {
	store := newMemStore()
	sink := &captureSink{}
	rotator := NewRotator(store, audit.NewLogger("audit-secret", sink), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	raw, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)
	_, _, err = rotator.Rotate(ctx, raw, time.Hour)
	require.NoError(t, err)

	_, _, err = rotator.Rotate(ctx, raw, time.Hour)
	require.ErrorIs(t, err, models.ErrReuseDetected)

	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeFailedReuseDetected, sink.records[0].Outcome)
	assert.Equal(t, "admin-1", sink.records[0].Actor)
	assert.Equal(t, "refresh_token", sink.records[0].Resource)
}

func TestRotator_UnknownTokenIsInvalid(t *testing.T) {
	rotator := newTestRotator(newMemStore())

	_, _, err := rotator.Rotate(context.Background(), "never-issued", time.Hour)
	assert.ErrorIs(t, err, models.ErrInvalidToken)
}

func TestRotator_ExpiredTokenIsRevoked(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	issuedAt := time.Now()
	rotator.now = func() time.Time { return issuedAt }
	raw, err := rotator.Issue(ctx, "admin-1", time.Minute)
	require.NoError(t, err)

	rotator.now = func() time.Time { return issuedAt.Add(2 * time.Minute) }
	_, _, err = rotator.Rotate(ctx, raw, time.Minute)
	assert.ErrorIs(t, err, models.ErrTokenExpired)

	rec, err := store.FindByHash(ctx, HashToken(raw))
	require.NoError(t, err)
	assert.NotNil(t, rec.RevokedAt)
}

func TestRotator_RevokeAllForSubject(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	_, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)
	_, err = rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)
	otherRaw, err := rotator.Issue(ctx, "admin-2", time.Hour)
	require.NoError(t, err)

	revoked, err := rotator.RevokeAllForSubject(ctx, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked)

	// Other subjects keep rotating.
	_, _, err = rotator.Rotate(ctx, otherRaw, time.Hour)
	assert.NoError(t, err)
}

func TestRotator_RevokedTokenAfterLogoutReportsReuse(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	raw, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)

	_, err = rotator.RevokeAllForSubject(ctx, "admin-1")
	require.NoError(t, err)

	// A refresh racing a logout sees its record revoked; re-revoking the
	// family is idempotent and the caller is forced to log in again.
	_, _, err = rotator.Rotate(ctx, raw, time.Hour)
	assert.ErrorIs(t, err, models.ErrReuseDetected)
}

func TestRotator_PurgeExpiredKeepsLiveRows(t *testing.T) {
	store := newMemStore()
	rotator := newTestRotator(store)
	ctx := context.Background()

	issuedAt := time.Now()
	rotator.now = func() time.Time { return issuedAt }
	_, err := rotator.Issue(ctx, "admin-1", time.Minute)
	require.NoError(t, err)
	liveRaw, err := rotator.Issue(ctx, "admin-2", time.Hour)
	require.NoError(t, err)

	deleted, err := rotator.PurgeExpired(ctx, issuedAt.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.FindByHash(ctx, HashToken(liveRaw))
	assert.NoError(t, err)
}

// staleReadStore serves a frozen snapshot of one record from FindByHash,
// standing in for a second rotation whose read happened before the first
// one committed.
type staleReadStore struct {
	*memStore
	stale *models.RefreshToken
}

func (s *staleReadStore) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if s.stale != nil && s.stale.TokenHash == tokenHash {
		copied := *s.stale
		return &copied, nil
	}
	return s.memStore.FindByHash(ctx, tokenHash)
}

func TestRotator_ConcurrentPresentationsSpendOnce(t *testing.T) {
	backing := newMemStore()
	sink := &captureSink{}
	store := &staleReadStore{memStore: backing}
	rotator := NewRotator(store, audit.NewLogger("audit-secret", sink), slog.New(slog.DiscardHandler))
	ctx := context.Background()

	raw, err := rotator.Issue(ctx, "admin-1", time.Hour)
	require.NoError(t, err)

	// Freeze the clean record; both rotations will read this snapshot.
	clean, err := backing.FindByHash(ctx, HashToken(raw))
	require.NoError(t, err)
	store.stale = clean

	_, firstRaw, err := rotator.Rotate(ctx, raw, time.Hour)
	require.NoError(t, err)

	// Second presentation read the token before the first spend landed,
	// so it passes the in-memory spent check and must be caught by the
	// conditional update.
	_, _, err = rotator.Rotate(ctx, raw, time.Hour)
	require.ErrorIs(t, err, models.ErrReuseDetected)

	// The loser's successor was rolled back with its transaction.
	records := backing.all()
	require.Len(t, records, 2)

	// Whole family burned, the winner's successor included.
	for _, rec := range records {
		assert.NotNil(t, rec.RevokedAt, "record %s should be revoked", rec.ID)
	}
	next, err := backing.FindByHash(ctx, HashToken(firstRaw))
	require.NoError(t, err)
	assert.NotNil(t, next.RevokedAt)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 1)
	assert.Equal(t, audit.OutcomeFailedReuseDetected, sink.records[0].Outcome)
}
