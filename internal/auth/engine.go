// Package auth orchestrates login, refresh, logout and authorization on top
// of the credential store, the lockout tracker, the session registry, the
// token codec and the authorization evaluator.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/authz"
	"github.com/iliyamo/auth-service/internal/limiter"
	"github.com/iliyamo/auth-service/internal/metrics"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/session"
	"github.com/iliyamo/auth-service/internal/utils"
)

// Notifier receives security and account events. Delivery failures are
// logged by the engine and never fail the operation that raised them.
type Notifier interface {
	Notify(ctx context.Context, ev queue.Event) error
}

// Config holds the engine's tunables.
type Config struct {
	AccessTTL           time.Duration
	StoreTimeout        time.Duration
	RequireVerification bool
	DefaultRoles        []string
	VerificationTTL     time.Duration
	ResetTTL            time.Duration
	MinPasswordLength   int
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.VerificationTTL <= 0 {
		c.VerificationTTL = 72 * time.Hour
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = 24 * time.Hour
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = 8
	}
	return c
}

// Deps are the collaborators every engine needs.
type Deps struct {
	Store    repository.AccountStore
	Hasher   utils.Hasher
	Codec    *utils.Codec
	Limiter  *limiter.Limiter
	Sessions *session.Registry
}

// Engine is safe for concurrent use.
type Engine struct {
	store    repository.AccountStore
	hasher   utils.Hasher
	codec    *utils.Codec
	limiter  *limiter.Limiter
	sessions *session.Registry
	authz    *authz.Evaluator
	notifier Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
	cfg      Config

	// dummyHash is verified against when the identifier is unknown so both
	// failure paths cost the same.
	dummyHash string
}

// Option customizes an Engine.
type Option func(*Engine)

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithClock overrides the engine's time source. The codec, limiter and
// registry take their own clocks.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an Engine. It fails only on missing collaborators or when the
// hasher cannot produce the timing-equalization digest.
func New(d Deps, cfg Config, opts ...Option) (*Engine, error) {
	if d.Store == nil || d.Hasher == nil || d.Codec == nil || d.Limiter == nil || d.Sessions == nil {
		return nil, errors.New("auth: store, hasher, codec, limiter and sessions are required")
	}
	e := &Engine{
		store:    d.Store,
		hasher:   d.Hasher,
		codec:    d.Codec,
		limiter:  d.Limiter,
		sessions: d.Sessions,
		authz:    authz.NewEvaluator(),
		notifier: queue.NopNotifier{},
		log:      zerolog.Nop(),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(e)
	}
	dummy, err := e.hasher.Hash("timing-equalization-only")
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy digest: %w", err)
	}
	e.dummyHash = dummy
	return e, nil
}

// storeCtx bounds one store call.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StoreTimeout)
}

// detachedCtx is used for state transitions that must complete once
// started, even if the caller goes away.
func (e *Engine) detachedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
}

func (e *Engine) notify(ctx context.Context, ev queue.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now().UTC()
	}
	nctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if err := e.notifier.Notify(nctx, ev); err != nil {
		e.log.Error().Err(err).Str("event", string(ev.Type)).Msg("notify failed")
	}
}

// LoginRequest carries one login attempt. Scopes optionally narrows the
// scopes embedded in the issued tokens; empty means everything the
// principal holds.
type LoginRequest struct {
	Identifier string
	Secret     string
	RemoteAddr string
	Scopes     []string
}

// Login authenticates a principal and opens a new session.
//
// The lockout tracker is consulted before the credential store, so a locked
// key never causes a store lookup. Unknown identifiers and wrong secrets
// produce the same error after the same amount of hashing work. Account
// status is only revealed once the secret matched.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (model.TokenPair, error) {
	ident := repository.NormalizeIdentifier(req.Identifier)
	keys := []string{limiter.IdentityKey(ident)}
	if req.RemoteAddr != "" {
		keys = append(keys, limiter.AddressKey(req.RemoteAddr))
	}

	for _, k := range keys {
		dec, err := e.checkLimiter(ctx, k)
		if err != nil {
			return model.TokenPair{}, err
		}
		if !dec.Allowed {
			e.metrics.Login("locked")
			return model.TokenPair{}, &LockedError{RetryAfter: dec.RetryAfter}
		}
	}

	p, err := e.lookup(ctx, ident)
	found := err == nil
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		e.metrics.Login("error")
		return model.TokenPair{}, infra("load principal", err)
	}

	var ok bool
	if found {
		ok = e.hasher.Verify(req.Secret, p.CredentialHash)
	} else {
		e.hasher.Verify(req.Secret, e.dummyHash)
	}
	if !ok {
		return model.TokenPair{}, e.loginFailed(ctx, keys, ident, req.RemoteAddr)
	}

	dec, err := e.record(ctx, keys[0], limiter.Success)
	if err != nil {
		return model.TokenPair{}, err
	}
	if !dec.Allowed {
		// A concurrent attempt locked the key between check and record.
		e.metrics.Login("locked")
		return model.TokenPair{}, &LockedError{RetryAfter: dec.RetryAfter}
	}

	if err := statusGate(p.Status); err != nil {
		e.metrics.Login(string(p.Status))
		return model.TokenPair{}, err
	}

	roles, err := e.roles(ctx, p.ID)
	if err != nil {
		return model.TokenPair{}, err
	}
	scopes := e.authz.GrantScopes(p, e.authz.EffectivePermissions(p, roles), req.Scopes)
	pair, err := e.openSession(ctx, p, scopes)
	if err != nil {
		return model.TokenPair{}, err
	}

	e.afterLogin(ctx, p, req.Secret)
	e.metrics.Login("success")
	e.log.Info().Str("principal_id", p.ID).Str("remote_addr", req.RemoteAddr).Msg("login succeeded")
	return pair, nil
}

func (e *Engine) checkLimiter(ctx context.Context, key string) (limiter.Decision, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	dec, err := e.limiter.Check(sctx, key)
	e.metrics.ObserveStore("limiter_check", start)
	if err != nil {
		return limiter.Decision{}, infra("lockout check", err)
	}
	return dec, nil
}

func (e *Engine) record(ctx context.Context, key string, o limiter.Outcome) (limiter.Decision, error) {
	sctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	start := time.Now()
	dec, err := e.limiter.CheckAndRecord(sctx, key, o)
	e.metrics.ObserveStore("limiter_record", start)
	if err != nil {
		return limiter.Decision{}, infra("lockout record", err)
	}
	return dec, nil
}

func (e *Engine) lookup(ctx context.Context, ident string) (model.Principal, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	defer e.metrics.ObserveStore("get_principal", start)
	return e.store.GetPrincipalByIdentifier(sctx, ident)
}

func (e *Engine) roles(ctx context.Context, principalID string) ([]model.Role, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	roles, err := e.store.GetRoles(sctx, principalID)
	e.metrics.ObserveStore("get_roles", start)
	if err != nil {
		return nil, infra("load roles", err)
	}
	return roles, nil
}

// loginFailed records the failure on every key. The attempt that crosses a
// threshold is answered with the lock itself.
func (e *Engine) loginFailed(ctx context.Context, keys []string, ident, addr string) error {
	var locked *LockedError
	for _, k := range keys {
		dec, err := e.record(ctx, k, limiter.Failure)
		if err != nil {
			return err
		}
		if dec.Allowed {
			continue
		}
		if locked == nil || dec.RetryAfter > locked.RetryAfter {
			locked = &LockedError{RetryAfter: dec.RetryAfter}
		}
		ns := keyNamespace(k)
		e.metrics.Lockout(ns)
		e.log.Warn().Str("key_namespace", ns).Str("identifier", ident).Str("remote_addr", addr).
			Dur("retry_after", dec.RetryAfter).Msg("lockout triggered")
		e.notify(ctx, queue.Event{
			Type:       queue.EventLockout,
			Identifier: ident,
			RemoteAddr: addr,
			Detail:     map[string]string{"namespace": ns, "retry_after": dec.RetryAfter.String()},
		})
	}
	if locked != nil {
		e.metrics.Login("locked")
		return locked
	}
	e.metrics.Login("invalid_credentials")
	return ErrInvalidCredentials
}

func keyNamespace(k string) string {
	ns, _, _ := strings.Cut(k, ":")
	return ns
}

func statusGate(s model.Status) error {
	switch s {
	case model.StatusActive:
		return nil
	case model.StatusUnverified:
		return ErrAccountUnverified
	case model.StatusLocked:
		return &LockedError{}
	default:
		return ErrAccountDisabled
	}
}

// afterLogin does the best-effort bookkeeping of a successful login.
func (e *Engine) afterLogin(ctx context.Context, p model.Principal, secret string) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.TouchLastLogin(sctx, p.ID, e.now()); err != nil {
		e.log.Warn().Err(err).Str("principal_id", p.ID).Msg("update last login failed")
	}
	if !e.hasher.NeedsRehash(p.CredentialHash) {
		return
	}
	digest, err := e.hasher.Hash(secret)
	if err == nil {
		err = e.store.UpdateCredential(sctx, p.ID, digest)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("principal_id", p.ID).Msg("password rehash failed")
	}
}

// openSession starts a new refresh chain and mints the first pair.
func (e *Engine) openSession(ctx context.Context, p model.Principal, scopes []string) (model.TokenPair, error) {
	sctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	start := time.Now()
	rec, err := e.sessions.Issue(sctx, p.ID, scopes)
	e.metrics.ObserveStore("session_issue", start)
	if err != nil {
		return model.TokenPair{}, infra("issue session", err)
	}
	return e.mint(p, scopes, rec)
}

func registered(subject, id string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: subject, ID: id}
}

func (e *Engine) mint(p model.Principal, scopes []string, rec model.RefreshRecord) (model.TokenPair, error) {
	access, accessExp, err := e.codec.Mint(utils.Claims{
		Type:             utils.TokenAccess,
		Roles:            p.RoleIDs,
		Scopes:           scopes,
		RegisteredClaims: registered(p.ID, ""),
	}, e.cfg.AccessTTL)
	if err != nil {
		return model.TokenPair{}, infra("sign access token", err)
	}
	refresh, refreshExp, err := e.codec.Mint(utils.Claims{
		Type:             utils.TokenRefresh,
		RegisteredClaims: registered(p.ID, rec.ID),
	}, rec.ExpiresAt.Sub(e.now()))
	if err != nil {
		return model.TokenPair{}, infra("sign refresh token", err)
	}
	return model.TokenPair{
		PrincipalID:      p.ID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
		Scopes:           scopes,
	}, nil
}

// Refresh rotates the refresh token and mints a new pair. requested may
// narrow the scopes further; it can never widen them past what was granted
// at login or what the principal holds today.
//
// Presenting a token that was already rotated is treated as theft: the
// whole chain is revoked and ErrReuseDetected returned. Access tokens that
// were already issued stay valid until they expire.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, requested ...string) (model.TokenPair, error) {
	claims, err := e.codec.Parse(refreshToken, utils.TokenRefresh)
	if err != nil {
		if utils.IsExpired(err) {
			e.metrics.Refresh("expired")
			return model.TokenPair{}, ErrTokenExpired
		}
		e.metrics.Refresh("invalid")
		return model.TokenPair{}, err
	}

	sctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	start := time.Now()
	rec, err := e.sessions.Rotate(sctx, claims.ID)
	e.metrics.ObserveStore("session_rotate", start)
	switch {
	case errors.Is(err, session.ErrReused):
		e.metrics.Refresh("reuse_detected")
		e.metrics.ReuseDetected()
		e.log.Warn().Str("principal_id", rec.PrincipalID).Str("chain_id", rec.ChainID).
			Msg("refresh token reuse detected; chain revoked")
		e.notify(ctx, queue.Event{
			Type:        queue.EventReuseDetected,
			PrincipalID: rec.PrincipalID,
			Detail:      map[string]string{"chain_id": rec.ChainID},
		})
		return model.TokenPair{}, ErrReuseDetected
	case errors.Is(err, session.ErrExpired):
		e.metrics.Refresh("expired")
		return model.TokenPair{}, ErrTokenExpired
	case errors.Is(err, session.ErrRevoked), errors.Is(err, session.ErrNotFound):
		e.metrics.Refresh("revoked")
		return model.TokenPair{}, revokedToken()
	case err != nil:
		e.metrics.Refresh("error")
		return model.TokenPair{}, infra("rotate session", err)
	}

	p, err := e.principal(ctx, rec.PrincipalID)
	if err != nil {
		return model.TokenPair{}, err
	}
	if err := statusGate(p.Status); err != nil {
		// The account changed since login; end the chain here.
		if rerr := e.sessions.RevokeChain(sctx, rec.ID, session.ReasonDisabled); rerr != nil {
			e.log.Error().Err(rerr).Str("principal_id", p.ID).Msg("revoke chain failed")
		}
		e.metrics.Refresh(string(p.Status))
		return model.TokenPair{}, err
	}

	scopes := rec.Scopes
	if len(requested) > 0 {
		scopes = authz.Narrow(scopes, requested)
	}
	if len(scopes) > 0 {
		roles, err := e.roles(ctx, p.ID)
		if err != nil {
			return model.TokenPair{}, err
		}
		scopes = e.authz.GrantScopes(p, e.authz.EffectivePermissions(p, roles), scopes)
	}

	pair, err := e.mint(p, scopes, rec)
	if err != nil {
		return model.TokenPair{}, err
	}
	e.metrics.Refresh("success")
	return pair, nil
}

func (e *Engine) principal(ctx context.Context, id string) (model.Principal, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	p, err := e.store.GetPrincipal(sctx, id)
	e.metrics.ObserveStore("get_principal", start)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Principal{}, ErrPrincipalNotFound
	}
	if err != nil {
		return model.Principal{}, infra("load principal", err)
	}
	return p, nil
}

// Logout revokes the chain the refresh token belongs to. Revoking an
// already revoked, unknown or expired token succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	claims, err := e.codec.Parse(refreshToken, utils.TokenRefresh)
	if err != nil {
		if utils.IsExpired(err) {
			return nil
		}
		return err
	}
	sctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if err := e.sessions.RevokeChain(sctx, claims.ID, session.ReasonLogout); err != nil {
		return infra("revoke chain", err)
	}
	e.log.Info().Str("principal_id", claims.Subject).Msg("logged out")
	return nil
}

// LogoutAll revokes every session of principalID.
func (e *Engine) LogoutAll(ctx context.Context, principalID string) error {
	return e.revokeAll(ctx, principalID, session.ReasonLogout)
}

func (e *Engine) revokeAll(ctx context.Context, principalID, reason string) error {
	sctx, cancel := e.detachedCtx(ctx)
	defer cancel()
	if err := e.sessions.RevokeAll(sctx, principalID, reason); err != nil {
		return infra("revoke sessions", err)
	}
	return nil
}

// Authenticate verifies an access token and returns its claims.
func (e *Engine) Authenticate(_ context.Context, accessToken string) (*utils.Claims, error) {
	return e.codec.Parse(accessToken, utils.TokenAccess)
}

// Authorize checks that accessToken is valid and carries permission among
// its scopes. The check uses only the token: scopes are frozen at mint
// time.
func (e *Engine) Authorize(ctx context.Context, accessToken, permission string) (authz.Decision, error) {
	claims, err := e.Authenticate(ctx, accessToken)
	if err != nil {
		return authz.Denied, err
	}
	return e.authz.Decide(claims, permission), nil
}

// CheckPermission evaluates permission against the principal's current
// roles and grants instead of a token snapshot. Inactive principals are
// denied.
func (e *Engine) CheckPermission(ctx context.Context, principalID, permission string) (authz.Decision, error) {
	p, err := e.principal(ctx, principalID)
	if errors.Is(err, ErrPrincipalNotFound) {
		return authz.Denied, nil
	}
	if err != nil {
		return authz.Denied, err
	}
	if p.Status != model.StatusActive {
		return authz.Denied, nil
	}
	roles, err := e.roles(ctx, p.ID)
	if err != nil {
		return authz.Denied, err
	}
	if e.authz.HasPermission(p, roles, permission) {
		return authz.Allowed, nil
	}
	return authz.Denied, nil
}

// Profile returns the principal with its current effective permissions.
func (e *Engine) Profile(ctx context.Context, principalID string) (model.Principal, []string, error) {
	p, err := e.principal(ctx, principalID)
	if err != nil {
		return model.Principal{}, nil, err
	}
	roles, err := e.roles(ctx, p.ID)
	if err != nil {
		return model.Principal{}, nil, err
	}
	return p, e.authz.EffectivePermissions(p, roles).Sorted(), nil
}
