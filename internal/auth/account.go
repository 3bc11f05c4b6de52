package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"

	"github.com/oklog/ulid/v2"

	"github.com/iliyamo/auth-service/internal/limiter"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/session"
	"github.com/iliyamo/auth-service/internal/utils"
)

// RegisterRequest is the input of Register.
type RegisterRequest struct {
	Identifier string
	Secret     string
	FullName   string
}

func validIdentifier(ident string) bool {
	a, err := mail.ParseAddress(ident)
	return err == nil && a.Address == ident
}

func (e *Engine) checkPassword(secret string) error {
	if len(secret) < e.cfg.MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

func (e *Engine) hash(secret string) (string, error) {
	if err := e.checkPassword(secret); err != nil {
		return "", err
	}
	digest, err := e.hasher.Hash(secret)
	if errors.Is(err, utils.ErrPasswordTooLong) {
		return "", ErrWeakPassword
	}
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return digest, nil
}

// Register creates a principal with the default roles. When verification
// is required the account starts unverified and a verification token is
// sent through the notifier.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (model.Principal, error) {
	return e.create(ctx, req, false, !e.cfg.RequireVerification)
}

// create validates and stores a new principal. Unless verified, the
// account starts unverified and a verification token goes out with the
// registration event.
func (e *Engine) create(ctx context.Context, req RegisterRequest, superuser, verified bool) (model.Principal, error) {
	ident := repository.NormalizeIdentifier(req.Identifier)
	if !validIdentifier(ident) {
		return model.Principal{}, ErrInvalidIdentifier
	}
	digest, err := e.hash(req.Secret)
	if err != nil {
		return model.Principal{}, err
	}

	now := e.now().UTC()
	p := model.Principal{
		ID:             ulid.Make().String(),
		Identifier:     ident,
		FullName:       req.FullName,
		CredentialHash: digest,
		RoleIDs:        append([]string(nil), e.cfg.DefaultRoles...),
		Status:         model.StatusActive,
		IsSuperuser:    superuser,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var token string
	if !verified {
		if token, err = utils.NewOpaqueToken(); err != nil {
			return model.Principal{}, fmt.Errorf("verification token: %w", err)
		}
		p.Status = model.StatusUnverified
		p.VerificationFingerprint = utils.Fingerprint(token)
		p.VerificationExpiresAt = now.Add(e.cfg.VerificationTTL)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.CreatePrincipal(sctx, p); err != nil {
		if errors.Is(err, repository.ErrIdentifierExists) {
			return model.Principal{}, ErrIdentifierTaken
		}
		return model.Principal{}, infra("create principal", err)
	}

	e.log.Info().Str("principal_id", p.ID).Msg("principal registered")
	e.notify(ctx, queue.Event{
		Type:        queue.EventRegistered,
		PrincipalID: p.ID,
		Identifier:  p.Identifier,
		Token:       token,
	})
	return redact(p), nil
}

// RequestEmailVerification sends a fresh verification token to an
// unverified principal. Unknown or already verified identifiers succeed
// silently.
func (e *Engine) RequestEmailVerification(ctx context.Context, identifier string) error {
	p, err := e.lookup(ctx, repository.NormalizeIdentifier(identifier))
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return infra("load principal", err)
	}
	if p.Status != model.StatusUnverified {
		return nil
	}

	token, err := utils.NewOpaqueToken()
	if err != nil {
		return fmt.Errorf("verification token: %w", err)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetVerification(sctx, p.ID, utils.Fingerprint(token), e.now().Add(e.cfg.VerificationTTL)); err != nil {
		return infra("store verification token", err)
	}
	e.notify(ctx, queue.Event{
		Type:        queue.EventVerificationRequested,
		PrincipalID: p.ID,
		Identifier:  p.Identifier,
		Token:       token,
	})
	return nil
}

// VerifyEmail consumes a verification token and activates the principal.
func (e *Engine) VerifyEmail(ctx context.Context, token string) error {
	fp := utils.Fingerprint(token)
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	p, err := e.store.GetByVerificationFingerprint(sctx, fp)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidOneTimeToken
	}
	if err != nil {
		return infra("load principal", err)
	}
	if !e.now().Before(p.VerificationExpiresAt) {
		return ErrInvalidOneTimeToken
	}
	switch err := e.store.MarkVerified(sctx, p.ID, fp); {
	case errors.Is(err, repository.ErrNotFound):
		return ErrInvalidOneTimeToken
	case err != nil:
		return infra("mark verified", err)
	}
	e.log.Info().Str("principal_id", p.ID).Msg("email verified")
	return nil
}

// RequestPasswordReset issues a reset token when the identifier belongs to
// an account that may log in again. It reports success either way so the
// endpoint cannot be used to enumerate accounts.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier, remoteAddr string) error {
	p, err := e.lookup(ctx, repository.NormalizeIdentifier(identifier))
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return infra("load principal", err)
	}
	if p.Status == model.StatusDisabled {
		return nil
	}

	token, err := utils.NewOpaqueToken()
	if err != nil {
		return fmt.Errorf("reset token: %w", err)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetReset(sctx, p.ID, utils.Fingerprint(token), e.now().Add(e.cfg.ResetTTL)); err != nil {
		return infra("store reset token", err)
	}
	e.notify(ctx, queue.Event{
		Type:        queue.EventPasswordResetRequest,
		PrincipalID: p.ID,
		Identifier:  p.Identifier,
		RemoteAddr:  remoteAddr,
		Token:       token,
	})
	return nil
}

// ResetPassword consumes a reset token, sets the new password, ends every
// session of the principal and clears its identity lockout.
func (e *Engine) ResetPassword(ctx context.Context, token, newSecret string) error {
	digest, err := e.hash(newSecret)
	if err != nil {
		return err
	}
	fp := utils.Fingerprint(token)
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	p, err := e.store.GetByResetFingerprint(sctx, fp)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidOneTimeToken
	}
	if err != nil {
		return infra("load principal", err)
	}
	if !e.now().Before(p.ResetExpiresAt) || p.Status == model.StatusDisabled {
		return ErrInvalidOneTimeToken
	}
	// Consume the token before touching the credential. Only one of two
	// concurrent confirmations gets past this point.
	switch err := e.store.ClearReset(sctx, p.ID, fp); {
	case errors.Is(err, repository.ErrNotFound):
		return ErrInvalidOneTimeToken
	case err != nil:
		return infra("clear reset token", err)
	}
	if err := e.store.UpdateCredential(sctx, p.ID, digest); err != nil {
		return infra("update credential", err)
	}
	if err := e.revokeAll(ctx, p.ID, session.ReasonPasswordChange); err != nil {
		return err
	}
	if err := e.limiter.Unlock(sctx, limiter.IdentityKey(p.Identifier)); err != nil {
		e.log.Warn().Err(err).Str("principal_id", p.ID).Msg("clear lockout after reset failed")
	}
	e.log.Info().Str("principal_id", p.ID).Msg("password reset")
	e.notify(ctx, queue.Event{Type: queue.EventPasswordChanged, PrincipalID: p.ID, Identifier: p.Identifier})
	return nil
}

// ChangePassword verifies current, stores next, revokes every existing
// session and opens a fresh one for the caller.
func (e *Engine) ChangePassword(ctx context.Context, principalID, current, next string) (model.TokenPair, error) {
	p, err := e.principal(ctx, principalID)
	if err != nil {
		return model.TokenPair{}, err
	}
	if !e.hasher.Verify(current, p.CredentialHash) {
		return model.TokenPair{}, ErrInvalidCredentials
	}
	if err := statusGate(p.Status); err != nil {
		return model.TokenPair{}, err
	}
	digest, err := e.hash(next)
	if err != nil {
		return model.TokenPair{}, err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.UpdateCredential(sctx, p.ID, digest); err != nil {
		return model.TokenPair{}, infra("update credential", err)
	}
	if err := e.revokeAll(ctx, p.ID, session.ReasonPasswordChange); err != nil {
		return model.TokenPair{}, err
	}
	e.notify(ctx, queue.Event{Type: queue.EventPasswordChanged, PrincipalID: p.ID, Identifier: p.Identifier})

	roles, err := e.roles(ctx, p.ID)
	if err != nil {
		return model.TokenPair{}, err
	}
	return e.openSession(ctx, p, e.authz.GrantScopes(p, e.authz.EffectivePermissions(p, roles), nil))
}

// SetStatus changes an account's status. Any status other than active ends
// all sessions of the principal.
func (e *Engine) SetStatus(ctx context.Context, principalID string, status model.Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	err := e.store.SetStatus(sctx, principalID, status)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrPrincipalNotFound
	}
	if err != nil {
		return infra("set status", err)
	}
	if status != model.StatusActive {
		reason := session.ReasonAdmin
		if status == model.StatusDisabled {
			reason = session.ReasonDisabled
		}
		if err := e.revokeAll(ctx, principalID, reason); err != nil {
			return err
		}
	}
	e.log.Info().Str("principal_id", principalID).Str("status", string(status)).Msg("status changed")
	e.notify(ctx, queue.Event{
		Type:        queue.EventStatusChanged,
		PrincipalID: principalID,
		Detail:      map[string]string{"status": string(status)},
	})
	return nil
}

// Unlock clears the lockout of an identifier.
func (e *Engine) Unlock(ctx context.Context, identifier string) error {
	return e.unlock(ctx, limiter.IdentityKey(repository.NormalizeIdentifier(identifier)))
}

// UnlockAddress clears the lockout of a source address.
func (e *Engine) UnlockAddress(ctx context.Context, addr string) error {
	return e.unlock(ctx, limiter.AddressKey(addr))
}

func (e *Engine) unlock(ctx context.Context, key string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.limiter.Unlock(sctx, key); err != nil {
		return infra("unlock", err)
	}
	return nil
}

// EnsureSuperuser creates an active superuser for identifier unless a
// principal with that identifier exists already.
func (e *Engine) EnsureSuperuser(ctx context.Context, identifier, secret string) (created bool, err error) {
	ident := repository.NormalizeIdentifier(identifier)
	if _, err := e.lookup(ctx, ident); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, infra("load principal", err)
	}
	if !validIdentifier(ident) {
		return false, ErrInvalidIdentifier
	}
	digest, err := e.hash(secret)
	if err != nil {
		return false, err
	}
	now := e.now().UTC()
	p := model.Principal{
		ID:             ulid.Make().String(),
		Identifier:     ident,
		FullName:       "Superuser",
		CredentialHash: digest,
		RoleIDs:        append([]string(nil), e.cfg.DefaultRoles...),
		Status:         model.StatusActive,
		IsSuperuser:    true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	switch err := e.store.CreatePrincipal(sctx, p); {
	case errors.Is(err, repository.ErrIdentifierExists):
		return false, nil
	case err != nil:
		return false, infra("create principal", err)
	}
	return true, nil
}
