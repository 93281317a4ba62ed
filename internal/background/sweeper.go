// Package background runs the periodic maintenance loops: purging
// expired refresh-token rows and converging signature blobs onto the
// active encryption key.
package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetdesk/fleetdesk/internal/refresh"
	"github.com/fleetdesk/fleetdesk/internal/signatures"
)

// SweepManager owns the periodic maintenance tickers.
type SweepManager struct {
	rotator        *refresh.Rotator
	blobSweeper    *signatures.Sweeper
	logger         *slog.Logger
	purgeInterval  time.Duration
	tokenRetention time.Duration
	blobInterval   time.Duration
	stopCh         chan struct{}
}

func NewSweepManager(
	rotator *refresh.Rotator,
	blobSweeper *signatures.Sweeper,
	logger *slog.Logger,
	purgeInterval, tokenRetention, blobInterval time.Duration,
) *SweepManager {
	return &SweepManager{
		rotator:        rotator,
		blobSweeper:    blobSweeper,
		logger:         logger,
		purgeInterval:  purgeInterval,
		tokenRetention: tokenRetention,
		blobInterval:   blobInterval,
		stopCh:         make(chan struct{}),
	}
}

// Start runs both loops until Stop is called or the context ends.
func (sm *SweepManager) Start(ctx context.Context) {
	purgeTicker := time.NewTicker(sm.purgeInterval)
	defer purgeTicker.Stop()
	blobTicker := time.NewTicker(sm.blobInterval)
	defer blobTicker.Stop()

	// Run both once on startup.
	sm.purgeTokens(ctx)
	sm.rotateBlobs(ctx)

	for {
		select {
		case <-purgeTicker.C:
			sm.purgeTokens(ctx)
		case <-blobTicker.C:
			sm.rotateBlobs(ctx)
		case <-sm.stopCh:
			sm.logger.Info("sweep manager stopped")
			return
		case <-ctx.Done():
			sm.logger.Info("sweep manager context cancelled")
			return
		}
	}
}

// purgeTokens deletes refresh rows whose expiry fell out of the
// retention window. Recently expired rows stay so reuse of a stolen
// token is still detectable.
func (sm *SweepManager) purgeTokens(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-sm.tokenRetention)
	rowsDeleted, err := sm.rotator.PurgeExpired(purgeCtx, cutoff)
	if err != nil {
		sm.logger.Error("failed to purge expired refresh tokens", slog.Any("error", err))
		return
	}
	if rowsDeleted > 0 {
		sm.logger.Info("expired refresh token purge completed", slog.Int64("rows_deleted", rowsDeleted))
	}
}

func (sm *SweepManager) rotateBlobs(ctx context.Context) {
	if sm.blobSweeper == nil {
		return
	}
	rotateCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	report, err := sm.blobSweeper.RotateBlobs(rotateCtx)
	if err != nil {
		sm.logger.Error("signature blob rotation sweep failed", slog.Any("error", err))
		return
	}
	if report.Reencrypted > 0 || report.Failed > 0 {
		sm.logger.Info("signature blob rotation sweep completed",
			slog.Int("reencrypted", report.Reencrypted),
			slog.Int("failed", report.Failed))
	}
}

// Stop signals both loops to exit.
func (sm *SweepManager) Stop() {
	close(sm.stopCh)
}
