package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fleetdesk/fleetdesk/internal/database"
	"github.com/fleetdesk/fleetdesk/internal/models"
	"github.com/fleetdesk/fleetdesk/internal/refresh"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting one
// repository serve pooled and transactional calls.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RefreshTokenRepository is the pgx-backed refresh.RecordStore.
type RefreshTokenRepository struct {
	db *database.DB
	q  querier
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, q: db.Pool}
}

const refreshTokenColumns = `id, subject_id, token_hash, family_id, replaced_by_id, expires_at, used_at, revoked_at, created_at`

func scanRefreshToken(row interface{ Scan(dest ...any) error }) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := row.Scan(
		&token.ID, &token.SubjectID, &token.TokenHash, &token.FamilyID,
		&token.ReplacedByID, &token.ExpiresAt, &token.UsedAt,
		&token.RevokedAt, &token.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &token, nil
}

// InTx runs fn against a repository bound to one transaction.
func (r *RefreshTokenRepository) InTx(ctx context.Context, fn func(refresh.RecordStore) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&RefreshTokenRepository{db: r.db, q: tx})
	})
}

func (r *RefreshTokenRepository) Insert(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, subject_id, token_hash, family_id, replaced_by_id, expires_at, used_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.q.Exec(ctx, query,
		token.ID, token.SubjectID, token.TokenHash, token.FamilyID,
		token.ReplacedByID, token.ExpiresAt, token.UsedAt,
		token.RevokedAt, token.CreatedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RefreshTokenRepository) Update(ctx context.Context, token *models.RefreshToken) error {
	query := `
		UPDATE refresh_tokens
		SET replaced_by_id = $2, used_at = $3, revoked_at = $4
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query,
		token.ID, token.ReplacedByID, token.UsedAt, token.RevokedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkUsed spends a record only while it is still clean. Zero rows
// affected means a concurrent rotation won the race; callers treat that
// as reuse.
func (r *RefreshTokenRepository) MarkUsed(ctx context.Context, id string, at time.Time, replacedByID string) error {
	query := `
		UPDATE refresh_tokens
		SET used_at = $2, revoked_at = $2, replaced_by_id = $3
		WHERE id = $1 AND used_at IS NULL AND revoked_at IS NULL
	`

	tag, err := r.q.Exec(ctx, query, id, at, replacedByID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}

func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens
		WHERE token_hash = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	return scanRefreshToken(r.q.QueryRow(ctx, query, tokenHash))
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, revokedAt time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE family_id = $1 AND revoked_at IS NULL
	`

	if _, err := r.q.Exec(ctx, query, familyID, revokedAt); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *RefreshTokenRepository) RevokeAllForSubject(ctx context.Context, subjectID string, revokedAt time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE subject_id = $1 AND revoked_at IS NULL
	`

	tag, err := r.q.Exec(ctx, query, subjectID, revokedAt)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`

	tag, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
