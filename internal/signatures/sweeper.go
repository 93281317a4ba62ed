// Package signatures converges stored signature blobs onto the active
// encryption key and verifies that every stored blob still decrypts.
package signatures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fleetdesk/fleetdesk/internal/envelope"
	"github.com/fleetdesk/fleetdesk/internal/models"
)

// BlobStore is the persistence surface the sweeper needs: stream every
// stored blob and write back a single re-encrypted column.
type BlobStore interface {
	ForEachSignature(ctx context.Context, fn func(models.SignatureBlob) error) error
	UpdateData(ctx context.Context, id int64, data []byte) error
}

// IntegritySample identifies one undecryptable row for diagnostics.
type IntegritySample struct {
	ID   int64  `json:"id"`
	Kind string `json:"kind"`
}

// IntegrityReport summarizes one integrity pass.
type IntegrityReport struct {
	Checked int               `json:"checked"`
	Invalid int               `json:"invalid"`
	Samples []IntegritySample `json:"samples,omitempty"`
}

// RotationReport summarizes one re-encryption pass.
type RotationReport struct {
	Reencrypted int     `json:"reencrypted"`
	Failed      int     `json:"failed"`
	FailedIDs   []int64 `json:"failed_ids,omitempty"`
}

// Sweeper walks the blob store with the envelope engine.
type Sweeper struct {
	engine *envelope.Engine
	store  BlobStore
	logger *slog.Logger
}

func NewSweeper(engine *envelope.Engine, store BlobStore, logger *slog.Logger) *Sweeper {
	return &Sweeper{engine: engine, store: store, logger: logger}
}

// CheckIntegrity attempts to decrypt every stored blob, counting
// failures and retaining up to sampleLimit (id, error-kind) pairs.
// Undecryptable rows indicate keys that were rotated away without
// migrating the data.
func (s *Sweeper) CheckIntegrity(ctx context.Context, sampleLimit int) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	err := s.store.ForEachSignature(ctx, func(blob models.SignatureBlob) error {
		if len(blob.Data) == 0 {
			return nil
		}
		report.Checked++
		if _, err := s.engine.DecryptPayload(blob.Data); err != nil {
			report.Invalid++
			if len(report.Samples) < sampleLimit {
				report.Samples = append(report.Samples, IntegritySample{
					ID:   blob.ID,
					Kind: errorKind(err),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning signature blobs: %w", err)
	}

	if report.Invalid > 0 {
		s.logger.Warn("undecryptable signature blobs found",
			slog.Int("checked", report.Checked),
			slog.Int("invalid", report.Invalid))
	}

	return report, nil
}

// RotateBlobs re-encrypts every blob that is legacy plaintext or wrapped
// under a stale key. Rows that fail decryption are counted and skipped;
// the sweep never aborts on a bad row.
func (s *Sweeper) RotateBlobs(ctx context.Context) (*RotationReport, error) {
	report := &RotationReport{}

	err := s.store.ForEachSignature(ctx, func(blob models.SignatureBlob) error {
		if len(blob.Data) == 0 {
			return nil
		}

		stale, err := s.engine.NeedsRotation(blob.Data)
		if err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, blob.ID)
			return nil
		}
		if !stale {
			return nil
		}

		sealed, err := s.engine.EncryptForStorage(blob.Data)
		if err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, blob.ID)
			return nil
		}
		if err := s.store.UpdateData(ctx, blob.ID, sealed); err != nil {
			return fmt.Errorf("updating signature %d: %w", blob.ID, err)
		}
		report.Reencrypted++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotating signature blobs: %w", err)
	}

	s.logger.Info("signature blob rotation sweep complete",
		slog.Int("reencrypted", report.Reencrypted),
		slog.Int("failed", report.Failed))

	return report, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, models.ErrDecryptionFailed):
		return "decryption_failed"
	default:
		return "error"
	}
}
