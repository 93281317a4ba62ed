package models

import "time"

// Account is an operator login for a tenant backend. TokenGeneration is
// copied into every access token at issuance; bumping it invalidates all
// outstanding tokens without a session-table lookup.
type Account struct {
	ID              string    `db:"id"`
	Username        string    `db:"username"`
	PasswordHash    string    `db:"password_hash"`
	TenantID        *int64    `db:"tenant_id"`
	TokenGeneration int64     `db:"token_generation"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
