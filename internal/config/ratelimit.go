package config

import "time"

// ThrottleConfig configures the per-address request throttle in front of
// the HTTP API. It is a token bucket: Rate requests per second refill a
// bucket of Burst tokens. Idle buckets are dropped after TTL.
type ThrottleConfig struct {
	Enabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Rate    float64       `env:"RATE_LIMIT_RPS" envDefault:"5"`
	Burst   int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	TTL     time.Duration `env:"RATE_LIMIT_TTL" envDefault:"10m"`
}

// Normalized clamps nonsensical values instead of failing startup.
func (c ThrottleConfig) Normalized() ThrottleConfig {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	if c.TTL < time.Minute {
		c.TTL = time.Minute
	}
	return c
}
