package handler

import (
	"context"  // request-scoped deadlines for engine calls
	"net/http" // HTTP status codes
	"time"     // timeouts and token expiry fields

	"github.com/labstack/echo/v4" // Echo framework for HTTP routing
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/authz"
	"github.com/iliyamo/auth-service/internal/middleware"
	"github.com/iliyamo/auth-service/internal/model"
)

// requestTimeout bounds a single handler's work. The engine applies its
// own per-store deadline beneath it.
const requestTimeout = 5 * time.Second

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Engine *auth.Engine
	Log    zerolog.Logger
}

func NewAuthHandler(e *auth.Engine, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{Engine: e, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}
type loginReq struct {
	Email    string   `json:"email"`
	Password string   `json:"password"`
	Scopes   []string `json:"scopes"` // optional narrowing
}
type refreshReq struct {
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scopes"`
}
type emailReq struct {
	Email string `json:"email"`
}
type tokenReq struct {
	Token string `json:"token"`
}
type resetConfirmReq struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}
type changePasswordReq struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
type updateMeReq struct {
	FullName *string `json:"full_name"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
}
type authorizeReq struct {
	Permission string `json:"permission"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}
type userPart struct {
	ID          string       `json:"id"`
	Email       string       `json:"email"`
	FullName    string       `json:"full_name,omitempty"`
	Status      model.Status `json:"status"`
	IsSuperuser bool         `json:"is_superuser,omitempty"`
	Roles       []string     `json:"roles,omitempty"`
	Permissions []string     `json:"permissions,omitempty"`
	LastLoginAt *time.Time   `json:"last_login_at,omitempty"`
}
type authResp struct {
	PrincipalID string    `json:"principal_id"`
	Access      tokenPart `json:"access"`
	Refresh     tokenPart `json:"refresh"`
	Scopes      []string  `json:"scopes"`
}

func pairResp(p model.TokenPair) authResp {
	scopes := p.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return authResp{
		PrincipalID: p.PrincipalID,
		Access:      tokenPart{Token: p.AccessToken, Expires: p.AccessExpiresAt},
		Refresh:     tokenPart{Token: p.RefreshToken, Expires: p.RefreshExpiresAt},
		Scopes:      scopes,
	}
}

func userResp(p model.Principal, perms []string) userPart {
	return userPart{
		ID:          p.ID,
		Email:       p.Identifier,
		FullName:    p.FullName,
		Status:      p.Status,
		IsSuperuser: p.IsSuperuser,
		Roles:       p.RoleIDs,
		Permissions: perms,
		LastLoginAt: p.LastLoginAt,
	}
}

func requestCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// Register creates an account. Tokens are not issued here: the account may
// still need email verification.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	ctx, cancel := requestCtx(c)
	defer cancel()

	p, err := h.Engine.Register(ctx, auth.RegisterRequest{
		Identifier: req.Email,
		Secret:     req.Password,
		FullName:   req.FullName,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"user": userResp(p, nil)})
}

// Login verifies credentials and returns a fresh token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	ctx, cancel := requestCtx(c)
	defer cancel()

	pair, err := h.Engine.Login(ctx, auth.LoginRequest{
		Identifier: req.Email,
		Secret:     req.Password,
		RemoteAddr: c.RealIP(),
		Scopes:     req.Scopes,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResp(pair))
}

// Refresh rotates the refresh token. The presented token is spent whether or
// not the client receives the response.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}

	ctx, cancel := requestCtx(c)
	defer cancel()

	pair, err := h.Engine.Refresh(ctx, req.RefreshToken, req.Scopes...)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResp(pair))
}

// Logout revokes the session the refresh token belongs to. Repeating it is
// harmless.
func (h *AuthHandler) Logout(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}

	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.Logout(ctx, req.RefreshToken); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// VerifyEmailRequest sends a new verification link. The answer is the same
// whether or not the address is known.
func (h *AuthHandler) VerifyEmailRequest(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.RequestEmailVerification(ctx, req.Email); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// VerifyEmail consumes a verification token.
func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	var req tokenReq
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.VerifyEmail(ctx, req.Token); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PasswordResetRequest emails a reset link. Like VerifyEmailRequest it never
// reveals whether the account exists.
func (h *AuthHandler) PasswordResetRequest(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil || req.Email == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.RequestPasswordReset(ctx, req.Email, c.RealIP()); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// PasswordResetConfirm sets a new password from a reset token and ends every
// session of the account.
func (h *AuthHandler) PasswordResetConfirm(c echo.Context) error {
	var req resetConfirmReq
	if err := c.Bind(&req); err != nil || req.Token == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token/password required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.ResetPassword(ctx, req.Token, req.Password); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated principal with its current permissions.
func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := requestCtx(c)
	defer cancel()

	p, perms, err := h.Engine.Profile(ctx, middleware.UserID(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": userResp(p, perms)})
}

// UpdateMe changes the caller's name or email. Passwords are changed
// through ChangePassword, which asks for the current one.
func (h *AuthHandler) UpdateMe(c echo.Context) error {
	var req updateMeReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Password != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "use POST /v1/password to change the password"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	p, err := h.Engine.UpdateProfile(ctx, middleware.UserID(c), model.ProfileUpdate{
		FullName:   req.FullName,
		Identifier: req.Email,
	})
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": userResp(p, nil)})
}

// ChangePassword replaces the caller's password. All sessions are revoked
// and a new pair is returned for the calling client.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	var req changePasswordReq
	if err := c.Bind(&req); err != nil || req.CurrentPassword == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "current_password/new_password required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	pair, err := h.Engine.ChangePassword(ctx, middleware.UserID(c), req.CurrentPassword, req.NewPassword)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, pairResp(pair))
}

// LogoutAll revokes every session of the caller. Access tokens already
// handed out stay valid until they expire.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.LogoutAll(ctx, middleware.UserID(c)); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Authorize answers whether the caller's access token carries a
// permission. Services that cannot verify tokens themselves call this.
func (h *AuthHandler) Authorize(c echo.Context) error {
	var req authorizeReq
	if err := c.Bind(&req); err != nil || req.Permission == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "permission required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	dec, err := h.Engine.Authorize(ctx, middleware.RawToken(c), req.Permission)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"permission": req.Permission,
		"decision":   dec.String(),
		"allowed":    dec == authz.Allowed,
	})
}
