package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/auth-service/internal/auth"
	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/repository"
)

// AdminHandler serves account administration. Routes are guarded by a
// live permission check in the router.
type AdminHandler struct {
	Engine *auth.Engine
	Log    zerolog.Logger
}

func NewAdminHandler(e *auth.Engine, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{Engine: e, Log: log}
}

type statusReq struct {
	Status string `json:"status"` // active | locked | unverified | disabled
}

type createUserReq struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	IsSuperuser   bool   `json:"is_superuser"`
	EmailVerified bool   `json:"email_verified"`
}

type updateUserReq struct {
	FullName    *string `json:"full_name"`
	Email       *string `json:"email"`
	Password    *string `json:"password"`
	IsSuperuser *bool   `json:"is_superuser"`
}

type rolesReq struct {
	Roles []string `json:"roles"`
}

type unlockReq struct {
	Email   string `json:"email"`
	Address string `json:"address"`
}

// SetStatus changes a principal's account status. Any status other than
// active ends all of the principal's sessions.
func (h *AdminHandler) SetStatus(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	var req statusReq
	if err := c.Bind(&req); err != nil || id == "" || req.Status == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "id/status required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	status := model.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if err := h.Engine.SetStatus(ctx, id, status); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "status": status})
}

// Unlock clears the failed-login lockout of an email address, a source
// address, or both.
func (h *AdminHandler) Unlock(c echo.Context) error {
	var req unlockReq
	if err := c.Bind(&req); err != nil || (req.Email == "" && req.Address == "") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email or address required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if req.Email != "" {
		if err := h.Engine.Unlock(ctx, req.Email); err != nil {
			return writeError(c, h.Log, err)
		}
	}
	if req.Address != "" {
		if err := h.Engine.UnlockAddress(ctx, req.Address); err != nil {
			return writeError(c, h.Log, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

// ListUsers returns a page of accounts. skip and limit follow the usual
// offset paging; limit defaults to 100 and is capped at 1000.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	var page repository.Page
	err := echo.QueryParamsBinder(c).
		Int("skip", &page.Offset).
		Int("limit", &page.Limit).
		BindError()
	if err != nil || page.Offset < 0 || page.Limit < 0 || page.Limit > repository.MaxPageLimit {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid skip/limit"})
	}
	page = page.Normalized()
	ctx, cancel := requestCtx(c)
	defer cancel()

	ps, total, err := h.Engine.ListPrincipals(ctx, page)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	users := make([]userPart, 0, len(ps))
	for _, p := range ps {
		users = append(users, userResp(p, nil))
	}
	return c.JSON(http.StatusOK, echo.Map{
		"users": users,
		"total": total,
		"skip":  page.Offset,
		"limit": page.Limit,
	})
}

// GetUser returns one account with its current permissions.
func (h *AdminHandler) GetUser(c echo.Context) error {
	ctx, cancel := requestCtx(c)
	defer cancel()

	p, perms, err := h.Engine.Profile(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": userResp(p, perms)})
}

// CreateUser creates an account directly. email_verified skips the
// verification mail.
func (h *AdminHandler) CreateUser(c echo.Context) error {
	var req createUserReq
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	p, err := h.Engine.CreatePrincipal(ctx, auth.CreateRequest{
		Identifier:  req.Email,
		Secret:      req.Password,
		FullName:    req.FullName,
		IsSuperuser: req.IsSuperuser,
		Verified:    req.EmailVerified,
	})
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"user": userResp(p, nil)})
}

// UpdateUser changes profile fields and, when given, sets a new password.
// A new password ends all of the account's sessions.
func (h *AdminHandler) UpdateUser(c echo.Context) error {
	id := c.Param("id")
	var req updateUserReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	if req.Password != nil {
		if err := h.Engine.SetPassword(ctx, id, *req.Password); err != nil {
			return writeError(c, h.Log, err)
		}
	}
	p, err := h.Engine.UpdateProfile(ctx, id, model.ProfileUpdate{
		FullName:    req.FullName,
		Identifier:  req.Email,
		IsSuperuser: req.IsSuperuser,
	})
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": userResp(p, nil)})
}

// SetRoles replaces the roles of an account.
func (h *AdminHandler) SetRoles(c echo.Context) error {
	var req rolesReq
	if err := c.Bind(&req); err != nil || req.Roles == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "roles required"})
	}
	ctx, cancel := requestCtx(c)
	defer cancel()

	id := c.Param("id")
	if err := h.Engine.SetRoles(ctx, id, req.Roles); err != nil {
		return writeError(c, h.Log, err)
	}
	p, perms, err := h.Engine.Profile(ctx, id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"user": userResp(p, perms)})
}

// DeleteUser disables the account. Records are never removed so audit
// history keeps its subject.
func (h *AdminHandler) DeleteUser(c echo.Context) error {
	ctx, cancel := requestCtx(c)
	defer cancel()

	if err := h.Engine.SetStatus(ctx, c.Param("id"), model.StatusDisabled); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
