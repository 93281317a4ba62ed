package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetdesk/fleetdesk/internal/audit"
	"github.com/fleetdesk/fleetdesk/internal/auth"
	"github.com/fleetdesk/fleetdesk/internal/guard"
	"github.com/fleetdesk/fleetdesk/internal/models"
	"github.com/fleetdesk/fleetdesk/internal/refresh"
	pkgauth "github.com/fleetdesk/fleetdesk/pkg/auth"
	pkglogger "github.com/fleetdesk/fleetdesk/pkg/logger"
)

// AccountRepository defines the account operations the auth flow needs.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	GetGeneration(ctx context.Context, id string) (int64, error)
	BumpGeneration(ctx context.Context, id string) (int64, error)
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}

// AuthService composes the guard, codec, rotator, and audit logger into
// the login, refresh, and logout flows.
type AuthService struct {
	accounts    AccountRepository
	guard       guard.Guard
	tm          *auth.TokenManager
	rotator     *refresh.Rotator
	csrf        *auth.CSRFTokenManager
	auditLogger *audit.Logger
	logger      *slog.Logger
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(
	accounts AccountRepository,
	attemptGuard guard.Guard,
	tm *auth.TokenManager,
	rotator *refresh.Rotator,
	csrf *auth.CSRFTokenManager,
	auditLogger *audit.Logger,
	logger *slog.Logger,
	accessTTL, refreshTTL time.Duration,
) *AuthService {
	return &AuthService{
		accounts:    accounts,
		guard:       attemptGuard,
		tm:          tm,
		rotator:     rotator,
		csrf:        csrf,
		auditLogger: auditLogger,
		logger:      logger,
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
	}
}

// LoginResult carries every credential minted by a successful login.
type LoginResult struct {
	SubjectID    string
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	ExpiresIn    int64
}

// Login runs the full attempt flow: guard admission, credential check,
// failure accounting, then token issuance. Credential failures always
// return models.ErrInvalidCredentials so callers cannot distinguish an
// unknown username from a bad password.
func (s *AuthService) Login(ctx context.Context, clientIP, username, password, requestID string) (*LoginResult, error) {
	decision, err := s.guard.CheckAttempt(ctx, clientIP, username)
	if err != nil {
		return nil, fmt.Errorf("checking login attempt: %w", err)
	}
	if !decision.Allowed {
		s.logger.Warn("login attempt denied",
			slog.String("username", pkglogger.SanitizedUsername(username)),
			slog.String("reason", decision.Reason))
		s.auditLogin(username, requestID, audit.OutcomeFailed, map[string]any{
			"reason": decision.Reason,
		})
		sentinel := models.ErrRateLimited
		if decision.Reason == guard.ReasonUsernameLocked {
			sentinel = models.ErrLocked
		}
		return nil, &models.RetryableError{Err: sentinel, RetryAfter: decision.RetryAfter}
	}

	account, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, s.failLogin(ctx, username, requestID)
		}
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if !pkgauth.VerifyPassword(password, account.PasswordHash) {
		return nil, s.failLogin(ctx, username, requestID)
	}

	if err := s.guard.RegisterSuccess(ctx, username); err != nil {
		return nil, fmt.Errorf("clearing failure counters: %w", err)
	}

	accessToken, err := s.tm.CreateAccessToken(account.ID, account.TokenGeneration, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("creating access token: %w", err)
	}
	refreshToken, err := s.rotator.Issue(ctx, account.ID, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	csrfToken, err := s.csrf.GenerateToken(account.ID)
	if err != nil {
		return nil, fmt.Errorf("creating csrf token: %w", err)
	}

	s.auditLoginAs(account, requestID, audit.OutcomeSuccess, nil)
	s.logger.Info("login succeeded",
		slog.String("username", pkglogger.SanitizedUsername(username)),
		slog.String("subject_id", account.ID))

	return &LoginResult{
		SubjectID:    account.ID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		CSRFToken:    csrfToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// RefreshResult carries the rotated session credentials.
type RefreshResult struct {
	SubjectID    string
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	ExpiresIn    int64
}

// Refresh rotates a presented refresh token and mints a fresh access
// token under the subject's current generation.
func (s *AuthService) Refresh(ctx context.Context, presented, requestID string) (*RefreshResult, error) {
	// On reuse the rotator has already burned the family and audited it;
	// the sentinel passes straight through to the transport layer.
	subjectID, newRefresh, err := s.rotator.Rotate(ctx, presented, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	generation, err := s.accounts.GetGeneration(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("loading token generation: %w", err)
	}
	accessToken, err := s.tm.CreateAccessToken(subjectID, generation, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("creating access token: %w", err)
	}
	csrfToken, err := s.csrf.GenerateToken(subjectID)
	if err != nil {
		return nil, fmt.Errorf("creating csrf token: %w", err)
	}

	s.auditEvent(audit.Event{
		Actor:     subjectID,
		Resource:  "session",
		Action:    "refresh",
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
	})

	return &RefreshResult{
		SubjectID:    subjectID,
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		CSRFToken:    csrfToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Logout revokes every refresh token for the subject and then bumps the
// account's token generation, instantly invalidating all outstanding
// access tokens. Revocation runs first so a refresh racing the logout
// lands on a revoked row.
func (s *AuthService) Logout(ctx context.Context, subjectID, requestID string) error {
	revoked, err := s.rotator.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	if _, err := s.accounts.BumpGeneration(ctx, subjectID); err != nil {
		return fmt.Errorf("bumping token generation: %w", err)
	}

	s.auditEvent(audit.Event{
		Actor:     subjectID,
		Resource:  "session",
		Action:    "logout",
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Metadata: map[string]any{
			"refresh_tokens_revoked": revoked,
		},
	})
	s.logger.Info("logout complete",
		slog.String("subject_id", subjectID),
		slog.Int64("refresh_tokens_revoked", revoked))
	return nil
}

// ChangePassword verifies the current password, stores a new hash, and
// then invalidates every outstanding session the same way logout does:
// refresh tokens are revoked first, then the generation bump kills all
// live access tokens. The caller must log in again.
func (s *AuthService) ChangePassword(ctx context.Context, subjectID, current, next, requestID string) error {
	account, err := s.accounts.GetByID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrInvalidCredentials
		}
		return fmt.Errorf("looking up account: %w", err)
	}

	if !pkgauth.VerifyPassword(current, account.PasswordHash) {
		s.auditEvent(audit.Event{
			Actor:     subjectID,
			TenantID:  account.TenantID,
			Resource:  "account",
			Action:    "password_change",
			Outcome:   audit.OutcomeFailed,
			RequestID: requestID,
		})
		return models.ErrInvalidCredentials
	}

	hash, err := pkgauth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hashing new password: %w", err)
	}
	if err := s.accounts.UpdatePasswordHash(ctx, subjectID, hash); err != nil {
		return fmt.Errorf("storing new password hash: %w", err)
	}

	revoked, err := s.rotator.RevokeAllForSubject(ctx, subjectID)
	if err != nil {
		return err
	}
	if _, err := s.accounts.BumpGeneration(ctx, subjectID); err != nil {
		return fmt.Errorf("bumping token generation: %w", err)
	}

	s.auditEvent(audit.Event{
		Actor:     subjectID,
		TenantID:  account.TenantID,
		Resource:  "account",
		Action:    "password_change",
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestID,
		Metadata: map[string]any{
			"refresh_tokens_revoked": revoked,
		},
	})
	s.logger.Info("password changed",
		slog.String("subject_id", subjectID),
		slog.Int64("refresh_tokens_revoked", revoked))
	return nil
}

func (s *AuthService) failLogin(ctx context.Context, username, requestID string) error {
	lockout, locked, err := s.guard.RegisterFailure(ctx, username)
	if err != nil {
		return fmt.Errorf("recording login failure: %w", err)
	}
	metadata := map[string]any{}
	if locked {
		metadata["lockout_seconds"] = int64(lockout.Seconds())
		s.logger.Warn("account locked after repeated failures",
			slog.String("username", pkglogger.SanitizedUsername(username)),
			slog.Duration("lockout", lockout))
	}
	s.auditLogin(username, requestID, audit.OutcomeFailed, metadata)
	return models.ErrInvalidCredentials
}

func (s *AuthService) auditLogin(username, requestID, outcome string, metadata map[string]any) {
	s.auditEvent(audit.Event{
		Actor:     pkglogger.SanitizedUsername(username),
		Resource:  "session",
		Action:    "login",
		Outcome:   outcome,
		RequestID: requestID,
		Metadata:  metadata,
	})
}

func (s *AuthService) auditLoginAs(account *models.Account, requestID, outcome string, metadata map[string]any) {
	s.auditEvent(audit.Event{
		Actor:     account.ID,
		TenantID:  account.TenantID,
		Resource:  "session",
		Action:    "login",
		Outcome:   outcome,
		RequestID: requestID,
		Metadata:  metadata,
	})
}

func (s *AuthService) auditEvent(event audit.Event) {
	if s.auditLogger != nil {
		s.auditLogger.Emit(event)
	}
}
