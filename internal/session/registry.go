// Package session keeps server-side state for refresh tokens: which token
// identifiers were issued, which one is the current head of each rotation
// chain, and which chains are revoked.
//
// Layout in the kv store:
//
//	rt:<id>              model.RefreshRecord
//	chain:<chain id>     model.Chain
//	sessions:<principal> JSON list of chain ids
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/auth-service/internal/kv"
	"github.com/iliyamo/auth-service/internal/model"
)

var (
	ErrNotFound = errors.New("refresh token not found")
	ErrReused   = errors.New("refresh token reused")
	ErrExpired  = errors.New("refresh token expired")
	ErrRevoked  = errors.New("refresh token revoked")
)

// Revocation reasons stored on records and chains.
const (
	ReasonLogout         = "logout"
	ReasonReuse          = "reuse_detected"
	ReasonPasswordChange = "password_change"
	ReasonDisabled       = "account_disabled"
	ReasonAdmin          = "admin"
)

const maxSwapAttempts = 32

var errContention = errors.New("session: too much contention")

// Registry is safe for concurrent use; all cross-request coordination goes
// through conditional writes on the store.
type Registry struct {
	store     kv.Store
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithRetention sets how long superseded records are kept after their own
// expiry. Defaults to the refresh lifetime.
func WithRetention(d time.Duration) Option { return func(r *Registry) { r.retention = d } }

// New returns a Registry issuing refresh records valid for ttl.
func New(store kv.Store, ttl time.Duration, opts ...Option) *Registry {
	r := &Registry{store: store, ttl: ttl, retention: ttl, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(r)
	}
	return r
}

// TTL is the lifetime given to every new refresh record.
func (r *Registry) TTL() time.Duration { return r.ttl }

func recordKey(id string) string { return "rt:" + id }
func chainKey(id string) string  { return "chain:" + id }
func indexKey(pid string) string { return "sessions:" + pid }

func (r *Registry) storeTTL(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(r.now()) + r.retention
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (r *Registry) newRecord(chainID, principalID string, scopes []string) model.RefreshRecord {
	now := r.now().UTC()
	id := r.newID()
	if chainID == "" {
		chainID = id
	}
	return model.RefreshRecord{
		ID:          id,
		ChainID:     chainID,
		PrincipalID: principalID,
		Scopes:      scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(r.ttl),
	}
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id string) (model.RefreshRecord, error) {
	_, rec, err := r.getRecord(ctx, id)
	return rec, err
}

func (r *Registry) getRecord(ctx context.Context, id string) ([]byte, model.RefreshRecord, error) {
	var rec model.RefreshRecord
	raw, err := r.store.Get(ctx, recordKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, rec, ErrNotFound
	}
	if err != nil {
		return nil, rec, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, rec, fmt.Errorf("decode refresh record %s: %w", id, err)
	}
	return raw, rec, nil
}

func (r *Registry) getChain(ctx context.Context, id string) ([]byte, model.Chain, error) {
	var ch model.Chain
	raw, err := r.store.Get(ctx, chainKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ch, ErrNotFound
	}
	if err != nil {
		return nil, ch, err
	}
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, ch, fmt.Errorf("decode chain %s: %w", id, err)
	}
	return raw, ch, nil
}

func (r *Registry) create(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := r.store.CompareAndSwap(ctx, key, nil, b, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session: key %s already exists", key)
	}
	return nil
}

// Issue starts a new chain for principalID and returns its first record.
func (r *Registry) Issue(ctx context.Context, principalID string, scopes []string) (model.RefreshRecord, error) {
	rec := r.newRecord("", principalID, scopes)
	ttl := r.storeTTL(rec.ExpiresAt)
	chain := model.Chain{ID: rec.ChainID, PrincipalID: principalID, CreatedAt: rec.IssuedAt}
	if err := r.create(ctx, chainKey(chain.ID), chain, ttl); err != nil {
		return model.RefreshRecord{}, err
	}
	if err := r.create(ctx, recordKey(rec.ID), rec, ttl); err != nil {
		return model.RefreshRecord{}, err
	}
	// The index has no expiry: rotation keeps chains alive past the first
	// record's lifetime and revoke-all must still find them.
	if err := r.index(ctx, principalID, chain.ID, 0); err != nil {
		return model.RefreshRecord{}, err
	}
	return rec, nil
}

// Rotate replaces oldID with a new record of the same chain. Presenting an
// identifier that already has a successor revokes the whole chain and
// returns ErrReused. Of several concurrent calls for the same identifier
// exactly one succeeds.
func (r *Registry) Rotate(ctx context.Context, oldID string) (model.RefreshRecord, error) {
	for i := 0; i < maxSwapAttempts; i++ {
		raw, rec, err := r.getRecord(ctx, oldID)
		if err != nil {
			return model.RefreshRecord{}, err
		}
		_, chain, err := r.getChain(ctx, rec.ChainID)
		if errors.Is(err, ErrNotFound) {
			return model.RefreshRecord{}, ErrRevoked
		}
		if err != nil {
			return model.RefreshRecord{}, err
		}
		if rec.Revoked || chain.Revoked {
			return model.RefreshRecord{}, ErrRevoked
		}
		if rec.RotatedTo != "" {
			if err := r.RevokeChain(ctx, rec.ID, ReasonReuse); err != nil {
				return model.RefreshRecord{}, fmt.Errorf("revoke chain after reuse: %w", err)
			}
			return rec, ErrReused
		}
		if !r.now().Before(rec.ExpiresAt) {
			return model.RefreshRecord{}, ErrExpired
		}

		next := r.newRecord(rec.ChainID, rec.PrincipalID, rec.Scopes)
		nextTTL := r.storeTTL(next.ExpiresAt)
		if err := r.create(ctx, recordKey(next.ID), next, nextTTL); err != nil {
			return model.RefreshRecord{}, err
		}

		rotated := rec
		rotated.RotatedTo = next.ID
		b, err := json.Marshal(rotated)
		if err != nil {
			return model.RefreshRecord{}, err
		}
		ok, err := r.store.CompareAndSwap(ctx, recordKey(oldID), raw, b, r.storeTTL(rec.ExpiresAt))
		if err != nil || !ok {
			// The successor was never handed out; drop it.
			_ = r.store.Delete(ctx, recordKey(next.ID))
			if err != nil {
				return model.RefreshRecord{}, err
			}
			continue
		}
		// Keep the chain around as long as its newest record.
		r.touchChain(ctx, rec.ChainID, nextTTL)
		return next, nil
	}
	return model.RefreshRecord{}, errContention
}

func (r *Registry) touchChain(ctx context.Context, id string, ttl time.Duration) {
	for i := 0; i < maxSwapAttempts; i++ {
		raw, _, err := r.getChain(ctx, id)
		if err != nil {
			return
		}
		if ok, err := r.store.CompareAndSwap(ctx, chainKey(id), raw, raw, ttl); err != nil || ok {
			return
		}
	}
}

// Revoke marks a single record revoked. Unknown or already revoked
// identifiers are a no-op.
func (r *Registry) Revoke(ctx context.Context, id, reason string) error {
	_, err := r.revokeRecord(ctx, id, reason)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// revokeRecord returns the record's successor, if any.
func (r *Registry) revokeRecord(ctx context.Context, id, reason string) (string, error) {
	for i := 0; i < maxSwapAttempts; i++ {
		raw, rec, err := r.getRecord(ctx, id)
		if err != nil {
			return "", err
		}
		if rec.Revoked {
			return rec.RotatedTo, nil
		}
		rec.Revoked = true
		rec.RevokedReason = reason
		b, err := json.Marshal(rec)
		if err != nil {
			return "", err
		}
		ok, err := r.store.CompareAndSwap(ctx, recordKey(id), raw, b, r.storeTTL(rec.ExpiresAt))
		if err != nil {
			return "", err
		}
		if ok {
			return rec.RotatedTo, nil
		}
	}
	return "", errContention
}

// RevokeChain revokes the chain that id belongs to, including every record
// issued before and after it. Idempotent.
func (r *Registry) RevokeChain(ctx context.Context, id, reason string) error {
	_, rec, err := r.getRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.revokeChainByID(ctx, rec.ChainID, reason)
}

func (r *Registry) revokeChainByID(ctx context.Context, chainID, reason string) error {
	for i := 0; ; i++ {
		if i == maxSwapAttempts {
			return errContention
		}
		raw, ch, err := r.getChain(ctx, chainID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		if ch.Revoked {
			break
		}
		ch.Revoked = true
		ch.RevokedReason = reason
		b, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		ok, err := r.store.CompareAndSwap(ctx, chainKey(chainID), raw, b, r.retention+r.ttl)
		if err != nil {
			return err
		}
		if ok {
			break
		}
	}

	// The chain flag alone already blocks rotation; marking each record
	// keeps per-record reads consistent with it.
	seen := map[string]bool{}
	for cur := chainID; cur != "" && !seen[cur]; {
		seen[cur] = true
		next, err := r.revokeRecord(ctx, cur, reason)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// RevokeAll revokes every chain recorded for principalID.
func (r *Registry) RevokeAll(ctx context.Context, principalID, reason string) error {
	raw, err := r.store.Get(ctx, indexKey(principalID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var chains []string
	if err := json.Unmarshal(raw, &chains); err != nil {
		return fmt.Errorf("decode session index: %w", err)
	}
	for _, id := range chains {
		if err := r.revokeChainByID(ctx, id, reason); err != nil {
			return err
		}
	}
	_, err = r.store.CompareAndDelete(ctx, indexKey(principalID), raw)
	return err
}

// maxIndexed bounds the session index before dead chains are pruned.
const maxIndexed = 32

func (r *Registry) index(ctx context.Context, principalID, chainID string, ttl time.Duration) error {
	for i := 0; i < maxSwapAttempts; i++ {
		raw, err := r.store.Get(ctx, indexKey(principalID))
		var chains []string
		switch {
		case errors.Is(err, kv.ErrNotFound):
			raw = nil
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &chains); err != nil {
				return fmt.Errorf("decode session index: %w", err)
			}
		}
		if len(chains) >= maxIndexed {
			chains = r.pruneIndex(ctx, chains)
		}
		b, err := json.Marshal(append(chains, chainID))
		if err != nil {
			return err
		}
		ok, err := r.store.CompareAndSwap(ctx, indexKey(principalID), raw, b, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errContention
}

// pruneIndex drops chains that expired out of the store or were revoked.
func (r *Registry) pruneIndex(ctx context.Context, chains []string) []string {
	live := chains[:0:0]
	for _, id := range chains {
		_, ch, err := r.getChain(ctx, id)
		if errors.Is(err, ErrNotFound) || (err == nil && ch.Revoked) {
			continue
		}
		live = append(live, id)
	}
	return live
}
