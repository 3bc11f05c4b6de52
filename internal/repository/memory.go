package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/iliyamo/auth-service/internal/model"
)

// MemoryStore is an AccountStore kept in process memory. It backs the
// memory deployment mode and the engine tests.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]model.Principal
	identifier map[string]string // identifier -> id
	roles      map[string]model.Role
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[string]model.Principal{},
		identifier: map[string]string{},
		roles:      map[string]model.Role{},
	}
}

// PutRole adds or replaces a role.
func (m *MemoryStore) PutRole(r model.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Permissions = append([]string(nil), r.Permissions...)
	m.roles[r.ID] = r
}

func clonePrincipal(p model.Principal) model.Principal {
	p.RoleIDs = append([]string(nil), p.RoleIDs...)
	p.Grants = append([]string(nil), p.Grants...)
	if p.LastLoginAt != nil {
		t := *p.LastLoginAt
		p.LastLoginAt = &t
	}
	return p
}

func (m *MemoryStore) GetPrincipalByIdentifier(_ context.Context, identifier string) (model.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identifier[NormalizeIdentifier(identifier)]
	if !ok {
		return model.Principal{}, ErrNotFound
	}
	return clonePrincipal(m.byID[id]), nil
}

func (m *MemoryStore) GetPrincipal(_ context.Context, id string) (model.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return model.Principal{}, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (m *MemoryStore) find(match func(model.Principal) bool) (model.Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.byID {
		if match(p) {
			return clonePrincipal(p), nil
		}
	}
	return model.Principal{}, ErrNotFound
}

func (m *MemoryStore) GetByVerificationFingerprint(_ context.Context, fp string) (model.Principal, error) {
	return m.find(func(p model.Principal) bool { return fp != "" && p.VerificationFingerprint == fp })
}

func (m *MemoryStore) GetByResetFingerprint(_ context.Context, fp string) (model.Principal, error) {
	return m.find(func(p model.Principal) bool { return fp != "" && p.ResetFingerprint == fp })
}

func (m *MemoryStore) GetRoles(_ context.Context, principalID string) ([]model.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	var roles []model.Role
	for _, id := range p.RoleIDs {
		if r, ok := m.roles[id]; ok {
			r.Permissions = append([]string(nil), r.Permissions...)
			roles = append(roles, r)
		}
	}
	return roles, nil
}

func (m *MemoryStore) CreatePrincipal(_ context.Context, p model.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Identifier = NormalizeIdentifier(p.Identifier)
	if _, dup := m.identifier[p.Identifier]; dup {
		return ErrIdentifierExists
	}
	m.byID[p.ID] = clonePrincipal(p)
	m.identifier[p.Identifier] = p.ID
	return nil
}

// update applies fn to the stored principal under the write lock.
func (m *MemoryStore) update(id string, fn func(*model.Principal)) error {
	return m.updateIf(id, func(p *model.Principal) error {
		fn(p)
		return nil
	})
}

// updateIf is update with a veto: when fn fails nothing is stored.
func (m *MemoryStore) updateIf(id string, fn func(*model.Principal) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(&p); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	m.byID[id] = p
	return nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, id, newHash string) error {
	return m.update(id, func(p *model.Principal) { p.CredentialHash = newHash })
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status model.Status) error {
	return m.update(id, func(p *model.Principal) { p.Status = status })
}

func (m *MemoryStore) SetVerification(_ context.Context, id, fp string, exp time.Time) error {
	return m.update(id, func(p *model.Principal) {
		p.VerificationFingerprint, p.VerificationExpiresAt = fp, exp
	})
}

func (m *MemoryStore) MarkVerified(_ context.Context, id, fp string) error {
	return m.updateIf(id, func(p *model.Principal) error {
		if fp == "" || p.VerificationFingerprint != fp {
			return ErrNotFound
		}
		if p.Status == model.StatusUnverified {
			p.Status = model.StatusActive
		}
		p.VerificationFingerprint, p.VerificationExpiresAt = "", time.Time{}
		return nil
	})
}

func (m *MemoryStore) SetReset(_ context.Context, id, fp string, exp time.Time) error {
	return m.update(id, func(p *model.Principal) { p.ResetFingerprint, p.ResetExpiresAt = fp, exp })
}

func (m *MemoryStore) ClearReset(_ context.Context, id, fp string) error {
	return m.updateIf(id, func(p *model.Principal) error {
		if fp == "" || p.ResetFingerprint != fp {
			return ErrNotFound
		}
		p.ResetFingerprint, p.ResetExpiresAt = "", time.Time{}
		return nil
	})
}

func (m *MemoryStore) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	return m.update(id, func(p *model.Principal) {
		t := at.UTC()
		p.LastLoginAt = &t
	})
}

// ListPrincipals returns one page ordered by creation time and the total
// number of principals.
func (m *MemoryStore) ListPrincipals(_ context.Context, page Page) ([]model.Principal, int, error) {
	page = page.Normalized()
	m.mu.RLock()
	all := make([]model.Principal, 0, len(m.byID))
	for _, p := range m.byID {
		all = append(all, clonePrincipal(p))
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b model.Principal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if page.Offset >= len(all) {
		return []model.Principal{}, len(all), nil
	}
	end := min(page.Offset+page.Limit, len(all))
	return all[page.Offset:end], len(all), nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id string, upd model.ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Identifier != nil {
		ident := NormalizeIdentifier(*upd.Identifier)
		if owner, taken := m.identifier[ident]; taken && owner != id {
			return ErrIdentifierExists
		}
		delete(m.identifier, p.Identifier)
		m.identifier[ident] = id
		p.Identifier = ident
	}
	if upd.FullName != nil {
		p.FullName = *upd.FullName
	}
	if upd.IsSuperuser != nil {
		p.IsSuperuser = *upd.IsSuperuser
	}
	p.UpdatedAt = time.Now().UTC()
	m.byID[id] = p
	return nil
}

func (m *MemoryStore) SetRoles(_ context.Context, id string, roleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	for _, r := range roleIDs {
		if _, known := m.roles[r]; !known {
			return ErrUnknownRole
		}
	}
	p.RoleIDs = append([]string(nil), roleIDs...)
	p.UpdatedAt = time.Now().UTC()
	m.byID[id] = p
	return nil
}
