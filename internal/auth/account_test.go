package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/auth-service/internal/authz"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/queue"
	"github.com/iliyamo/auth-service/internal/repository"
	"github.com/iliyamo/auth-service/internal/utils"
)

func TestRegister_VerificationFlow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RequireVerification = true })
	ctx := context.Background()

	p, err := f.eng.Register(ctx, RegisterRequest{Identifier: "New@Example.com", Secret: testSecret, FullName: "New"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", p.Identifier)
	assert.Equal(t, model.StatusUnverified, p.Status)
	assert.Empty(t, p.CredentialHash)
	assert.Len(t, p.ID, 26, "ULID")

	events := f.events.ofType(queue.EventRegistered)
	require.Len(t, events, 1)
	token := events[0].Token
	require.Len(t, token, 64)

	stored, err := f.mem.GetPrincipal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, utils.Fingerprint(token), stored.VerificationFingerprint, "only the fingerprint is kept")

	_, err = f.login("new@example.com", testSecret)
	require.ErrorIs(t, err, ErrAccountUnverified)

	require.NoError(t, f.eng.VerifyEmail(ctx, token))
	_, err = f.login("new@example.com", testSecret)
	require.NoError(t, err)

	require.ErrorIs(t, f.eng.VerifyEmail(ctx, token), ErrInvalidOneTimeToken)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Register(ctx, RegisterRequest{Identifier: "not-an-email", Secret: testSecret})
	require.ErrorIs(t, err, ErrInvalidIdentifier)
	_, err = f.eng.Register(ctx, RegisterRequest{Identifier: "a@example.com", Secret: "short"})
	require.ErrorIs(t, err, ErrWeakPassword)
	_, err = f.eng.Register(ctx, RegisterRequest{Identifier: "a@example.com", Secret: strings.Repeat("x", 80)})
	require.ErrorIs(t, err, ErrWeakPassword, "bcrypt input limit")

	p, err := f.eng.Register(ctx, RegisterRequest{Identifier: "a@example.com", Secret: testSecret})
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, p.Status, "verification disabled")
	_, err = f.eng.Register(ctx, RegisterRequest{Identifier: "A@example.com", Secret: testSecret})
	require.ErrorIs(t, err, ErrIdentifierTaken)
}

func TestRegister_NotifierFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("broker down")
	_, err := f.eng.Register(context.Background(), RegisterRequest{Identifier: "a@example.com", Secret: testSecret})
	require.NoError(t, err)
}

func TestRequestEmailVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPrincipal(t, "new@example.com", testSecret, model.StatusUnverified)
	f.addPrincipal(t, "done@example.com", testSecret, model.StatusActive)

	require.NoError(t, f.eng.RequestEmailVerification(ctx, "ghost@example.com"))
	require.NoError(t, f.eng.RequestEmailVerification(ctx, "done@example.com"))
	assert.Empty(t, f.events.ofType(queue.EventVerificationRequested))

	require.NoError(t, f.eng.RequestEmailVerification(ctx, "new@example.com"))
	events := f.events.ofType(queue.EventVerificationRequested)
	require.Len(t, events, 1)

	f.clock.Advance(73 * time.Hour)
	require.ErrorIs(t, f.eng.VerifyEmail(ctx, events[0].Token), ErrInvalidOneTimeToken)
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	pair, err := f.login("a@example.com", testSecret)
	require.NoError(t, err)

	require.NoError(t, f.eng.RequestPasswordReset(ctx, "ghost@example.com", testAddr))
	assert.Empty(t, f.events.ofType(queue.EventPasswordResetRequest))

	require.NoError(t, f.eng.RequestPasswordReset(ctx, "a@example.com", testAddr))
	events := f.events.ofType(queue.EventPasswordResetRequest)
	require.Len(t, events, 1)
	token := events[0].Token

	for i := 0; i < 3; i++ {
		_, err := f.login("a@example.com", "forgotten")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	require.ErrorIs(t, f.eng.ResetPassword(ctx, token, "short"), ErrWeakPassword)
	require.NoError(t, f.eng.ResetPassword(ctx, token, "a brand new secret"))
	require.ErrorIs(t, f.eng.ResetPassword(ctx, token, "another new secret"), ErrInvalidOneTimeToken)

	_, err = f.eng.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, utils.ErrInvalidToken, "sessions end on reset")

	_, err = f.login("a@example.com", testSecret)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.login("a@example.com", "a brand new secret")
	require.NoError(t, err)
	require.Len(t, f.events.ofType(queue.EventPasswordChanged), 1)
}

// staleTokenStore answers one-time token lookups from a snapshot taken
// before the token was spent, the view a concurrent confirmation has.
type staleTokenStore struct {
	repository.AccountStore
	snapshot model.Principal
}

func (s staleTokenStore) GetByResetFingerprint(context.Context, string) (model.Principal, error) {
	return s.snapshot, nil
}

func (s staleTokenStore) GetByVerificationFingerprint(context.Context, string) (model.Principal, error) {
	return s.snapshot, nil
}

func TestPasswordReset_ConcurrentConfirmationsSpendTokenOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	require.NoError(t, f.eng.RequestPasswordReset(ctx, "a@example.com", testAddr))
	token := f.events.ofType(queue.EventPasswordResetRequest)[0].Token

	snapshot, err := f.mem.GetByResetFingerprint(ctx, utils.Fingerprint(token))
	require.NoError(t, err)
	f.store.AccountStore = staleTokenStore{AccountStore: f.mem, snapshot: snapshot}

	require.NoError(t, f.eng.ResetPassword(ctx, token, "the first new secret"))
	require.ErrorIs(t, f.eng.ResetPassword(ctx, token, "the second new secret"), ErrInvalidOneTimeToken)

	_, err = f.login("a@example.com", "the first new secret")
	require.NoError(t, err)
	require.Len(t, f.events.ofType(queue.EventPasswordChanged), 1)
}

func TestVerifyEmail_ConcurrentConfirmationsSpendTokenOnce(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RequireVerification = true })
	ctx := context.Background()
	_, err := f.eng.Register(ctx, RegisterRequest{Identifier: "a@example.com", Secret: testSecret})
	require.NoError(t, err)
	token := f.events.ofType(queue.EventRegistered)[0].Token

	snapshot, err := f.mem.GetByVerificationFingerprint(ctx, utils.Fingerprint(token))
	require.NoError(t, err)
	f.store.AccountStore = staleTokenStore{AccountStore: f.mem, snapshot: snapshot}

	require.NoError(t, f.eng.VerifyEmail(ctx, token))
	require.ErrorIs(t, f.eng.VerifyEmail(ctx, token), ErrInvalidOneTimeToken)
}

func TestPasswordReset_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	require.NoError(t, f.eng.RequestPasswordReset(ctx, "a@example.com", ""))
	token := f.events.ofType(queue.EventPasswordResetRequest)[0].Token

	f.clock.Advance(24 * time.Hour)
	require.ErrorIs(t, f.eng.ResetPassword(ctx, token, "a brand new secret"), ErrInvalidOneTimeToken)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	old, err := f.login("a@example.com", testSecret)
	require.NoError(t, err)

	_, err = f.eng.ChangePassword(ctx, p.ID, "wrong", "a brand new secret")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.eng.ChangePassword(ctx, p.ID, testSecret, "short")
	require.ErrorIs(t, err, ErrWeakPassword)

	fresh, err := f.eng.ChangePassword(ctx, p.ID, testSecret, "a brand new secret")
	require.NoError(t, err)

	_, err = f.eng.Refresh(ctx, old.RefreshToken)
	require.ErrorIs(t, err, utils.ErrInvalidToken)
	_, err = f.eng.Refresh(ctx, fresh.RefreshToken)
	require.NoError(t, err)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	pair, err := f.login("a@example.com", testSecret)
	require.NoError(t, err)

	require.ErrorIs(t, f.eng.SetStatus(ctx, p.ID, model.Status("banned")), ErrInvalidStatus)
	require.ErrorIs(t, f.eng.SetStatus(ctx, "nobody", model.StatusDisabled), ErrPrincipalNotFound)

	require.NoError(t, f.eng.SetStatus(ctx, p.ID, model.StatusDisabled))
	_, err = f.eng.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, utils.ErrInvalidToken)
	_, err = f.login("a@example.com", testSecret)
	require.ErrorIs(t, err, ErrAccountDisabled)
	require.Len(t, f.events.ofType(queue.EventStatusChanged), 1)

	require.NoError(t, f.eng.SetStatus(ctx, p.ID, model.StatusActive))
	_, err = f.login("a@example.com", testSecret)
	require.NoError(t, err)
}

func TestUnlock(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "a@example.com", testSecret, model.StatusActive)
	for i := 0; i < 5; i++ {
		_, _ = f.login("a@example.com", "wrong password")
	}
	_, err := f.login("a@example.com", testSecret)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)

	require.NoError(t, f.eng.Unlock(context.Background(), "A@example.com"))
	_, err = f.login("a@example.com", testSecret)
	require.NoError(t, err)
}

func TestEnsureSuperuser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.eng.EnsureSuperuser(ctx, "root@example.com", testSecret)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = f.eng.EnsureSuperuser(ctx, "root@example.com", "something else")
	require.NoError(t, err)
	assert.False(t, created)

	pair, err := f.login("root@example.com", testSecret, "billing:refund")
	require.NoError(t, err)
	dec, err := f.eng.Authorize(ctx, pair.AccessToken, "billing:refund")
	require.NoError(t, err)
	assert.Equal(t, authz.Allowed, dec)

	p, perms, err := f.eng.Profile(ctx, pair.PrincipalID)
	require.NoError(t, err)
	assert.True(t, p.IsSuperuser)
	assert.Equal(t, []string{"profile:read", "reports:read"}, perms)
}
