package repositories

import (
	"context"
	"fmt"

	"github.com/fleetdesk/fleetdesk/internal/database"
	"github.com/fleetdesk/fleetdesk/internal/models"
)

// SignatureRepository streams and updates stored signature blobs.
type SignatureRepository struct {
	db *database.DB
}

func NewSignatureRepository(db *database.DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

func (r *SignatureRepository) ForEachSignature(ctx context.Context, fn func(models.SignatureBlob) error) error {
	query := `SELECT id, owner_type, owner_id, data FROM signatures ORDER BY id`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query signatures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var blob models.SignatureBlob
		if err := rows.Scan(&blob.ID, &blob.OwnerType, &blob.OwnerID, &blob.Data); err != nil {
			return database.MapPostgresError(err)
		}
		if err := fn(blob); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating signatures: %w", err)
	}
	return nil
}

func (r *SignatureRepository) UpdateData(ctx context.Context, id int64, data []byte) error {
	query := `UPDATE signatures SET data = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, id, data)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
