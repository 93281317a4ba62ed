// Package refresh issues, rotates, and revokes long-lived refresh
// tokens. Tokens are high-entropy random strings; only their SHA-256
// hex digest is persisted. Every token descended from one login shares
// a family id, and reuse of any spent member burns the whole family.
package refresh

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdesk/fleetdesk/internal/audit"
	"github.com/fleetdesk/fleetdesk/internal/models"
)

const tokenSecretBytes = 48

// RecordStore persists refresh-token records. InTx runs fn against a
// store bound to one transaction; returning an error rolls it back.
type RecordStore interface {
	InTx(ctx context.Context, fn func(RecordStore) error) error
	Insert(ctx context.Context, token *models.RefreshToken) error
	Update(ctx context.Context, token *models.RefreshToken) error
	// MarkUsed spends the record and links its successor, but only if it
	// is still unspent. Returns models.ErrConflict when a concurrent
	// rotation got there first.
	MarkUsed(ctx context.Context, id string, at time.Time, replacedByID string) error
	// FindByHash returns the most recently created record with the given
	// hash, or models.ErrNotFound.
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) error
	RevokeAllForSubject(ctx context.Context, subjectID string, revokedAt time.Time) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Rotator implements the refresh-token lifecycle over a RecordStore.
type Rotator struct {
	store       RecordStore
	logger      *slog.Logger
	auditLogger *audit.Logger
	now         func() time.Time
}

// NewRotator creates a Rotator. auditLogger may be nil.
func NewRotator(store RecordStore, auditLogger *audit.Logger, logger *slog.Logger) *Rotator {
	return &Rotator{
		store:       store,
		logger:      logger,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// HashToken returns the digest under which a raw token is stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newTokenSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a fresh token in a new family and returns the raw
// secret. The raw value is never stored.
func (r *Rotator) Issue(ctx context.Context, subjectID string, ttl time.Duration) (string, error) {
	raw, err := newTokenSecret()
	if err != nil {
		return "", err
	}

	now := r.now()
	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		TokenHash: HashToken(raw),
		FamilyID:  uuid.NewString(),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := r.store.Insert(ctx, record); err != nil {
		return "", fmt.Errorf("storing refresh token: %w", err)
	}

	return raw, nil
}

// Rotate exchanges a presented raw token for a new one in the same
// family. The presented record is marked used and linked to its
// successor in one transaction, and the mark is conditional on the
// record still being unspent, so neither a crash nor two concurrent
// presentations can leave two live leaves of the same family.
//
// Unknown tokens fail with models.ErrInvalidToken. Expired tokens are
// revoked and fail with models.ErrTokenExpired. A spent token revokes
// its entire family and fails with models.ErrReuseDetected.
func (r *Rotator) Rotate(ctx context.Context, presented string, ttl time.Duration) (string, string, error) {
	record, err := r.store.FindByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", "", models.ErrInvalidToken
		}
		return "", "", fmt.Errorf("looking up refresh token: %w", err)
	}

	now := r.now()

	if !record.ExpiresAt.After(now) {
		record.RevokedAt = &now
		if err := r.store.Update(ctx, record); err != nil {
			return "", "", fmt.Errorf("revoking expired refresh token: %w", err)
		}
		return "", "", models.ErrTokenExpired
	}

	if record.UsedAt != nil || record.RevokedAt != nil {
		if err := r.store.RevokeFamily(ctx, record.FamilyID, now); err != nil {
			return "", "", fmt.Errorf("revoking token family: %w", err)
		}
		r.auditReuse(record)
		return "", "", models.ErrReuseDetected
	}

	newRaw, err := newTokenSecret()
	if err != nil {
		return "", "", err
	}
	successor := &models.RefreshToken{
		ID:        uuid.NewString(),
		SubjectID: record.SubjectID,
		TokenHash: HashToken(newRaw),
		FamilyID:  record.FamilyID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	err = r.store.InTx(ctx, func(s RecordStore) error {
		if err := s.Insert(ctx, successor); err != nil {
			return err
		}
		return s.MarkUsed(ctx, record.ID, now, successor.ID)
	})
	if errors.Is(err, models.ErrConflict) {
		// A concurrent presentation of the same token spent it between
		// our read and the conditional update. The transaction rolled
		// back, discarding our successor; this is reuse.
		if err := r.store.RevokeFamily(ctx, record.FamilyID, now); err != nil {
			return "", "", fmt.Errorf("revoking token family: %w", err)
		}
		r.auditReuse(record)
		return "", "", models.ErrReuseDetected
	}
	if err != nil {
		return "", "", fmt.Errorf("rotating refresh token: %w", err)
	}

	return record.SubjectID, newRaw, nil
}

// RevokeAllForSubject revokes every unrevoked token for the subject and
// returns how many were revoked. Used on logout and on detected
// compromise.
func (r *Rotator) RevokeAllForSubject(ctx context.Context, subjectID string) (int64, error) {
	revoked, err := r.store.RevokeAllForSubject(ctx, subjectID, r.now())
	if err != nil {
		return 0, fmt.Errorf("revoking refresh tokens: %w", err)
	}
	return revoked, nil
}

// PurgeExpired deletes records whose expiry is older than the cutoff.
// Intended for the background sweep; revocation history younger than
// the cutoff is kept so reuse of recent tokens is still detectable.
func (r *Rotator) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.DeleteExpiredBefore(ctx, cutoff)
}

func (r *Rotator) auditReuse(record *models.RefreshToken) {
	if r.logger != nil {
		r.logger.Warn("refresh token reuse detected, family revoked",
			slog.String("subject_id", record.SubjectID),
			slog.String("family_id", record.FamilyID))
	}
	if r.auditLogger == nil {
		return
	}
	r.auditLogger.Emit(audit.Event{
		Actor:      record.SubjectID,
		Resource:   "refresh_token",
		ResourceID: record.FamilyID,
		Action:     "rotate",
		Outcome:    audit.OutcomeFailedReuseDetected,
		Metadata: map[string]any{
			"family_id": record.FamilyID,
		},
	})
}
