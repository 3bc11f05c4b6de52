package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/iliyamo/auth-service/internal/limiter"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/session"
)

// CreateRequest is an administrator's account creation. Unlike Register it
// can mark the account verified and make it a superuser.
type CreateRequest struct {
	Identifier  string
	Secret      string
	FullName    string
	IsSuperuser bool
	Verified    bool
}

// CreatePrincipal creates an account on behalf of an administrator. An
// account that is not marked verified follows the registration rules.
func (e *Engine) CreatePrincipal(ctx context.Context, req CreateRequest) (model.Principal, error) {
	verified := req.Verified || !e.cfg.RequireVerification
	return e.create(ctx, RegisterRequest{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		FullName:   req.FullName,
	}, req.IsSuperuser, verified)
}

// ListPrincipals returns a page of accounts without their credential
// digests, plus the total number of accounts.
func (e *Engine) ListPrincipals(ctx context.Context, page repository.Page) ([]model.Principal, int, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	ps, total, err := e.store.ListPrincipals(sctx, page)
	if err != nil {
		return nil, 0, infra("list principals", err)
	}
	for i := range ps {
		ps[i] = redact(ps[i])
	}
	return ps, total, nil
}

// UpdateProfile changes the name, identifier or superuser flag of an
// account and returns the result. A changed identifier is validated and
// must be free.
func (e *Engine) UpdateProfile(ctx context.Context, principalID string, upd model.ProfileUpdate) (model.Principal, error) {
	if upd.Identifier != nil {
		ident := repository.NormalizeIdentifier(*upd.Identifier)
		if !validIdentifier(ident) {
			return model.Principal{}, ErrInvalidIdentifier
		}
		upd.Identifier = &ident
	}
	if upd.FullName != nil {
		name := strings.TrimSpace(*upd.FullName)
		upd.FullName = &name
	}
	if !upd.Empty() {
		sctx, cancel := e.storeCtx(ctx)
		err := e.store.UpdateProfile(sctx, principalID, upd)
		cancel()
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return model.Principal{}, ErrPrincipalNotFound
		case errors.Is(err, repository.ErrIdentifierExists):
			return model.Principal{}, ErrIdentifierTaken
		case err != nil:
			return model.Principal{}, infra("update profile", err)
		}
	}

	p, err := e.principal(ctx, principalID)
	if err != nil {
		return model.Principal{}, err
	}
	if !upd.Empty() {
		e.log.Info().Str("principal_id", p.ID).Msg("profile updated")
		e.notify(ctx, queue.Event{
			Type:        queue.EventProfileUpdated,
			PrincipalID: p.ID,
			Identifier:  p.Identifier,
			Detail:      updatedFields(upd),
		})
	}
	return redact(p), nil
}

func updatedFields(upd model.ProfileUpdate) map[string]string {
	var fields []string
	if upd.FullName != nil {
		fields = append(fields, "full_name")
	}
	if upd.Identifier != nil {
		fields = append(fields, "identifier")
	}
	if upd.IsSuperuser != nil {
		fields = append(fields, "is_superuser")
	}
	return map[string]string{"fields": strings.Join(fields, ",")}
}

// SetPassword replaces an account's password without the current one. It
// ends every session of the account and clears its identity lockout.
func (e *Engine) SetPassword(ctx context.Context, principalID, secret string) error {
	digest, err := e.hash(secret)
	if err != nil {
		return err
	}
	p, err := e.principal(ctx, principalID)
	if err != nil {
		return err
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.UpdateCredential(sctx, p.ID, digest); err != nil {
		return infra("update credential", err)
	}
	if err := e.revokeAll(ctx, p.ID, session.ReasonAdmin); err != nil {
		return err
	}
	if err := e.limiter.Unlock(sctx, limiter.IdentityKey(p.Identifier)); err != nil {
		e.log.Warn().Err(err).Str("principal_id", p.ID).Msg("clear lockout after password set failed")
	}
	e.notify(ctx, queue.Event{Type: queue.EventPasswordChanged, PrincipalID: p.ID, Identifier: p.Identifier})
	return nil
}

// SetRoles replaces the roles of an account. Sessions stay open: tokens
// minted on refresh only keep scopes the account still holds.
func (e *Engine) SetRoles(ctx context.Context, principalID string, roleIDs []string) error {
	roles := make([]string, 0, len(roleIDs))
	for _, r := range roleIDs {
		if r = strings.TrimSpace(r); r != "" && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	switch err := e.store.SetRoles(sctx, principalID, roles); {
	case errors.Is(err, repository.ErrNotFound):
		return ErrPrincipalNotFound
	case errors.Is(err, repository.ErrUnknownRole):
		return ErrUnknownRole
	case err != nil:
		return infra("set roles", err)
	}
	e.log.Info().Str("principal_id", principalID).Strs("roles", roles).Msg("roles changed")
	e.notify(ctx, queue.Event{
		Type:        queue.EventRolesChanged,
		PrincipalID: principalID,
		Detail:      map[string]string{"roles": strings.Join(roles, ",")},
	})
	return nil
}

func redact(p model.Principal) model.Principal {
	p.CredentialHash = ""
	p.VerificationFingerprint = ""
	p.ResetFingerprint = ""
	return p
}
