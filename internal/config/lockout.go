package config

import (
	"fmt"
	"time"

	"github.com/iliyamo/auth-service/internal/kv"
	"github.com/iliyamo/auth-service/internal/limiter"
)

// LockoutConfig holds the failed-login policies of the two key
// namespaces: the identifier being logged into and the source address.
type LockoutConfig struct {
	IdentityThreshold int           `env:"LOCKOUT_IDENTITY_THRESHOLD" envDefault:"5"`
	IdentityWindow    time.Duration `env:"LOCKOUT_IDENTITY_WINDOW" envDefault:"60s"`
	IdentityDuration  time.Duration `env:"LOCKOUT_IDENTITY_DURATION" envDefault:"300s"`

	AddressThreshold int           `env:"LOCKOUT_ADDRESS_THRESHOLD" envDefault:"20"`
	AddressWindow    time.Duration `env:"LOCKOUT_ADDRESS_WINDOW" envDefault:"60s"`
	AddressDuration  time.Duration `env:"LOCKOUT_ADDRESS_DURATION" envDefault:"300s"`
}

func (c LockoutConfig) Identity() limiter.Policy {
	return limiter.Policy{Threshold: c.IdentityThreshold, Window: c.IdentityWindow, Lockout: c.IdentityDuration}
}

func (c LockoutConfig) Address() limiter.Policy {
	return limiter.Policy{Threshold: c.AddressThreshold, Window: c.AddressWindow, Lockout: c.AddressDuration}
}

// Validate rejects non-positive thresholds and durations.
func (c LockoutConfig) Validate() error {
	for name, p := range map[string]limiter.Policy{"identity": c.Identity(), "address": c.Address()} {
		if p.Threshold < 1 || p.Window <= 0 || p.Lockout <= 0 {
			return fmt.Errorf("lockout %s policy needs a positive threshold, window and duration", name)
		}
	}
	return nil
}

// NewLimiter builds the lockout tracker: the identity policy is the
// default and the address policy applies to the "ip" namespace.
func (c LockoutConfig) NewLimiter(store kv.Store, opts ...limiter.Option) (*limiter.Limiter, error) {
	opts = append([]limiter.Option{limiter.WithNamespace("ip", c.Address())}, opts...)
	return limiter.New(store, c.Identity(), opts...)
}
