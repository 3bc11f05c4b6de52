// Package authz resolves effective permissions and answers permission and
// scope questions. Resolution is a plain union: no precedence, no negative
// permissions, no wildcards.
package authz

import (
	"sort"
	"strings"

	"github.com/iliyamo/auth-service/internal/model"
	"github.com/iliyamo/auth-service/internal/utils"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// PermissionSet is a set of permission identifiers.
type PermissionSet map[string]struct{}

// Has reports membership.
func (s PermissionSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ValidPermission reports whether p has the "resource:action" shape.
func ValidPermission(p string) bool {
	resource, action, ok := strings.Cut(p, ":")
	return ok && resource != "" && action != "" && !strings.ContainsAny(p, " \t*")
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// EffectivePermissions is the union of the permissions of roles plus the
// principal's explicit grants.
func (e *Evaluator) EffectivePermissions(p model.Principal, roles []model.Role) PermissionSet {
	set := PermissionSet{}
	for _, r := range roles {
		for _, perm := range r.Permissions {
			set[perm] = struct{}{}
		}
	}
	for _, g := range p.Grants {
		set[g] = struct{}{}
	}
	return set
}

// HasPermission checks a live principal. Superusers hold every permission.
func (e *Evaluator) HasPermission(p model.Principal, roles []model.Role, permission string) bool {
	if p.IsSuperuser {
		return true
	}
	return e.EffectivePermissions(p, roles).Has(permission)
}

// HasScope checks the scopes frozen into an access token at mint time.
func (e *Evaluator) HasScope(claims *utils.Claims, scope string) bool {
	if claims == nil {
		return false
	}
	for _, s := range claims.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Decide wraps HasScope into a Decision.
func (e *Evaluator) Decide(claims *utils.Claims, scope string) Decision {
	if e.HasScope(claims, scope) {
		return Allowed
	}
	return Denied
}

// GrantScopes picks the scopes to embed in a new token. An empty request
// yields the whole effective set; otherwise the request is narrowed to what
// the principal holds. Superusers may request any well-formed permission.
func (e *Evaluator) GrantScopes(p model.Principal, effective PermissionSet, requested []string) []string {
	if len(requested) == 0 {
		return effective.Sorted()
	}
	granted := PermissionSet{}
	for _, s := range requested {
		if effective.Has(s) || (p.IsSuperuser && ValidPermission(s)) {
			granted[s] = struct{}{}
		}
	}
	return granted.Sorted()
}

// Narrow intersects requested with ceiling, used on refresh so a chain can
// never widen past the scopes granted at login.
func Narrow(ceiling, requested []string) []string {
	allowed := make(PermissionSet, len(ceiling))
	for _, s := range ceiling {
		allowed[s] = struct{}{}
	}
	out := PermissionSet{}
	for _, s := range requested {
		if allowed.Has(s) {
			out[s] = struct{}{}
		}
	}
	return out.Sorted()
}
