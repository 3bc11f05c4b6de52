// Package limiter tracks failed authentication attempts per key and locks
// a key out once it crosses its threshold inside the counting window.
//
// Keys are namespaced as "<namespace>:<value>" (for example "id:a@b.c" or
// "ip:10.0.0.1"); each namespace may carry its own Policy. State lives in a
// kv.Store and every change is a compare-and-swap, so concurrent failures
// on one key can never both observe "below threshold".
package limiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/auth-service/internal/kv"
	"github.com/iliyamo/auth-service/internal/model"
)

// Outcome of one authentication attempt.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Policy configures one key namespace.
type Policy struct {
	Threshold int           // failures within Window that trigger a lock
	Window    time.Duration // counting window, starts at the first failure
	Lockout   time.Duration // how long a lock lasts
}

func (p Policy) validate() error {
	if p.Threshold < 1 || p.Window <= 0 || p.Lockout <= 0 {
		return fmt.Errorf("invalid lockout policy %+v", p)
	}
	return nil
}

// Decision is the result of a check. RetryAfter is set when !Allowed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

func allowed() Decision { return Decision{Allowed: true} }

// ErrContention is returned when a key kept changing under us for
// maxSwapAttempts rounds. Callers treat it as a retryable store failure.
var ErrContention = errors.New("limiter: too much contention on key")

const maxSwapAttempts = 32

// Limiter is safe for concurrent use.
type Limiter struct {
	store    kv.Store
	def      Policy
	policies map[string]Policy
	now      func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithNamespace sets the policy used for keys starting with ns + ":".
func WithNamespace(ns string, p Policy) Option {
	return func(l *Limiter) { l.policies[ns] = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter applying def to every namespace without its own
// policy.
func New(store kv.Store, def Policy, opts ...Option) (*Limiter, error) {
	l := &Limiter{store: store, def: def, policies: map[string]Policy{}, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	for ns, p := range l.policies {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("namespace %q: %w", ns, err)
		}
	}
	return l, nil
}

func (l *Limiter) policy(key string) Policy {
	if ns, _, ok := strings.Cut(key, ":"); ok {
		if p, ok := l.policies[ns]; ok {
			return p
		}
	}
	return l.def
}

func storeKey(key string) string { return "lock:" + key }

func (l *Limiter) load(ctx context.Context, key string) ([]byte, model.AttemptState, error) {
	var st model.AttemptState
	raw, err := l.store.Get(ctx, storeKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, st, nil
	}
	if err != nil {
		return nil, st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt entry is dropped rather than blocking the key forever.
		return raw, model.AttemptState{}, nil
	}
	return raw, st, nil
}

// Check reports whether key is currently locked without recording anything.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	_, st, err := l.load(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if now := l.now(); now.Before(st.LockedUntil) {
		return Decision{RetryAfter: st.LockedUntil.Sub(now)}, nil
	}
	return allowed(), nil
}

// CheckAndRecord records outcome for key and returns the resulting
// decision. While a lock is active the attempt is rejected and not counted,
// whatever its outcome. The failure that reaches the threshold is itself
// answered with a lock.
func (l *Limiter) CheckAndRecord(ctx context.Context, key string, outcome Outcome) (Decision, error) {
	p := l.policy(key)
	for i := 0; i < maxSwapAttempts; i++ {
		old, st, err := l.load(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		now := l.now()
		if now.Before(st.LockedUntil) {
			return Decision{RetryAfter: st.LockedUntil.Sub(now)}, nil
		}

		if outcome == Success {
			if old == nil {
				return allowed(), nil
			}
			ok, err := l.store.CompareAndDelete(ctx, storeKey(key), old)
			if err != nil {
				return Decision{}, err
			}
			if ok {
				return allowed(), nil
			}
			continue
		}

		next := st
		if !next.LockedUntil.IsZero() || next.WindowStart.IsZero() || !now.Before(next.WindowStart.Add(p.Window)) {
			next = model.AttemptState{WindowStart: now}
		}
		next.Count++
		dec := allowed()
		ttl := next.WindowStart.Add(p.Window).Sub(now)
		if next.Count >= p.Threshold {
			next = model.AttemptState{LockedUntil: now.Add(p.Lockout)}
			dec = Decision{RetryAfter: p.Lockout}
			ttl = p.Lockout
		}
		b, err := json.Marshal(next)
		if err != nil {
			return Decision{}, err
		}
		ok, err := l.store.CompareAndSwap(ctx, storeKey(key), old, b, ttl)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			return dec, nil
		}
	}
	return Decision{}, ErrContention
}

// Failures returns the failure count of the current window (0 when locked
// or when the window elapsed).
func (l *Limiter) Failures(ctx context.Context, key string) (int, error) {
	_, st, err := l.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if st.WindowStart.IsZero() || !l.now().Before(st.WindowStart.Add(l.policy(key).Window)) {
		return 0, nil
	}
	return st.Count, nil
}

// Unlock clears any lock and counter for key.
func (l *Limiter) Unlock(ctx context.Context, key string) error {
	return l.store.Delete(ctx, storeKey(key))
}

// IdentityKey and AddressKey build the two key namespaces used by login.
func IdentityKey(identifier string) string { return "id:" + identifier }

func AddressKey(addr string) string { return "ip:" + addr }
