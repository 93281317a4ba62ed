package models

import "time"

// RefreshToken is the persisted record for one refresh-token secret. The
// raw secret is never stored; TokenHash is its SHA-256 hex digest.
// FamilyID links every token descended from one login. At most one
// record per family may be unused and unrevoked at a time.
type RefreshToken struct {
	ID           string     `db:"id"`
	SubjectID    string     `db:"subject_id"`
	TokenHash    string     `db:"token_hash"`
	FamilyID     string     `db:"family_id"`
	ReplacedByID *string    `db:"replaced_by_id"`
	ExpiresAt    time.Time  `db:"expires_at"`
	UsedAt       *time.Time `db:"used_at"`
	RevokedAt    *time.Time `db:"revoked_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Active reports whether the record may still be presented for rotation.
func (t *RefreshToken) Active(now time.Time) bool {
	return t.UsedAt == nil && t.RevokedAt == nil && t.ExpiresAt.After(now)
}
