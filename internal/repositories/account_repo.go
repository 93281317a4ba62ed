package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetdesk/fleetdesk/internal/database"
	"github.com/fleetdesk/fleetdesk/internal/models"
)

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, username, password_hash, tenant_id, token_generation, created_at, updated_at`

func scanAccount(row interface{ Scan(dest ...any) error }) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID, &account.Username, &account.PasswordHash,
		&account.TenantID, &account.TokenGeneration,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &account, nil
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	query := `
		INSERT INTO admin_accounts (id, username, password_hash, tenant_id, token_generation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + accountColumns

	return scanAccount(r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Username, account.PasswordHash,
		account.TenantID, account.TokenGeneration,
		account.CreatedAt, account.UpdatedAt,
	))
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE id = $1`
	return scanAccount(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM admin_accounts WHERE username = $1`
	return scanAccount(r.db.Pool.QueryRow(ctx, query, username))
}

// GetGeneration returns the account's current token generation. Tokens
// minted with an older generation are rejected by the auth middleware.
func (r *AccountRepository) GetGeneration(ctx context.Context, id string) (int64, error) {
	query := `SELECT token_generation FROM admin_accounts WHERE id = $1`

	var generation int64
	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(&generation); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return generation, nil
}

// BumpGeneration increments the token generation, invalidating every
// previously issued access token for the account.
func (r *AccountRepository) BumpGeneration(ctx context.Context, id string) (int64, error) {
	query := `
		UPDATE admin_accounts
		SET token_generation = token_generation + 1, updated_at = now()
		WHERE id = $1
		RETURNING token_generation
	`

	var generation int64
	if err := r.db.Pool.QueryRow(ctx, query, id).Scan(&generation); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return generation, nil
}

func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `
		UPDATE admin_accounts
		SET password_hash = $2, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
