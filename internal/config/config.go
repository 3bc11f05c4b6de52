package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/iliyamo/auth-service/internal/logging"
	"github.com/iliyamo/auth-service/internal/utils"
)

// Store backends for refresh sessions and lockout counters.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable; defaults are applied by env tags.
type Config struct {
	Env  string `env:"APP_ENV" envDefault:"dev"`
	Port string `env:"APP_PORT" envDefault:"8080"`
	// TrustedProxies lists the addresses or CIDR ranges of reverse proxies
	// whose X-Forwarded-For header is believed. Empty means the TCP peer
	// is the client.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	DBUser string `env:"DB_USER"`
	DBPass string `env:"DB_PASS"`
	DBHost string `env:"DB_HOST"`
	DBPort string `env:"DB_PORT" envDefault:"3306"`
	DBName string `env:"DB_NAME"`

	// StoreBackend holds sessions and lockout counters. memory is only
	// correct for a single instance.
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	// CredentialBackend holds principals and roles: mysql or memory.
	CredentialBackend string        `env:"CREDENTIAL_BACKEND" envDefault:"mysql"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	SweepInterval     time.Duration `env:"KV_SWEEP_INTERVAL" envDefault:"1m"`
	Redis             RedisConfig

	JWTSigningKeys               string        `env:"JWT_SIGNING_KEYS"`
	JWTRSAPrivateKeyFile         string        `env:"JWT_RSA_PRIVATE_KEY_FILE"`
	JWTRSAPreviousPublicKeyFiles []string      `env:"JWT_RSA_PREVIOUS_PUBLIC_KEY_FILES" envSeparator:","`
	JWTIssuer                    string        `env:"JWT_ISSUER" envDefault:"auth-service"`
	AccessTTL                    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL                   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	PasswordAlgorithm string `env:"PASSWORD_ALGORITHM" envDefault:"bcrypt"`
	BcryptCost        int    `env:"BCRYPT_COST" envDefault:"12"`
	Argon2MemoryKiB   uint32 `env:"ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Time        uint32 `env:"ARGON2_TIME" envDefault:"3"`
	Argon2Threads     uint8  `env:"ARGON2_THREADS" envDefault:"2"`

	RequireVerification bool          `env:"REQUIRE_EMAIL_VERIFICATION" envDefault:"true"`
	VerificationTTL     time.Duration `env:"EMAIL_VERIFICATION_TTL" envDefault:"72h"`
	ResetTTL            time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"24h"`
	MinPasswordLength   int           `env:"MIN_PASSWORD_LENGTH" envDefault:"8"`
	DefaultRoles        []string      `env:"DEFAULT_ROLES" envSeparator:"," envDefault:"user"`

	FirstSuperuser         string `env:"FIRST_SUPERUSER"`
	FirstSuperuserPassword string `env:"FIRST_SUPERUSER_PASSWORD"`

	RabbitURL       string `env:"RABBITMQ_URL"`
	EventsQueue     string `env:"EVENTS_QUEUE" envDefault:"auth.events"`
	SecurityLogPath string `env:"SECURITY_LOG_PATH" envDefault:"logs/security.log"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Lockout  LockoutConfig
	Throttle ThrottleConfig
}

// Load reads .env when present, then the environment, and validates the
// result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the rules that cross fields.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendMemory, BackendRedis, BackendMySQL:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q must be memory, redis or mysql", c.StoreBackend))
	}
	switch c.CredentialBackend {
	case BackendMemory, BackendMySQL:
	default:
		errs = append(errs, fmt.Errorf("CREDENTIAL_BACKEND %q must be memory or mysql", c.CredentialBackend))
	}
	if c.NeedsDatabase() && (c.DBUser == "" || c.DBHost == "" || c.DBName == "") {
		errs = append(errs, errors.New("DB_USER, DB_HOST and DB_NAME are required for the mysql backend"))
	}

	hmac, rsa := c.JWTSigningKeys != "", c.JWTRSAPrivateKeyFile != ""
	switch {
	case hmac && rsa:
		errs = append(errs, errors.New("set either JWT_SIGNING_KEYS or JWT_RSA_PRIVATE_KEY_FILE, not both"))
	case !hmac && !rsa:
		errs = append(errs, errors.New("one of JWT_SIGNING_KEYS or JWT_RSA_PRIVATE_KEY_FILE is required"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.AccessTTL >= c.RefreshTTL {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.MinPasswordLength < 8 {
		errs = append(errs, errors.New("MIN_PASSWORD_LENGTH must be at least 8"))
	}
	if (c.FirstSuperuser == "") != (c.FirstSuperuserPassword == "") {
		errs = append(errs, errors.New("FIRST_SUPERUSER and FIRST_SUPERUSER_PASSWORD go together"))
	}
	if _, err := utils.NewHasher(c.PasswordConfig()); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TrustedProxyRanges(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Logging().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Lockout.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NeedsDatabase reports whether any backend lives in MySQL.
func (c Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendMySQL || c.CredentialBackend == BackendMySQL
}

// TrustedProxyRanges parses TrustedProxies. A bare address is a single
// host range.
func (c Config) TrustedProxyRanges() ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", raw)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// PasswordConfig maps the hashing settings.
func (c Config) PasswordConfig() utils.PasswordConfig {
	return utils.PasswordConfig{
		Algorithm:     c.PasswordAlgorithm,
		BcryptCost:    c.BcryptCost,
		Argon2Memory:  c.Argon2MemoryKiB,
		Argon2Time:    c.Argon2Time,
		Argon2Threads: c.Argon2Threads,
	}
}

// Logging maps the log settings.
func (c Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat, Caller: c.Env == "dev"}
}

// SigningKeys builds the key set from either the HMAC list or the RSA key
// files. RSA key ids are the file names without extension.
func (c Config) SigningKeys() (*utils.KeySet, error) {
	if c.JWTSigningKeys != "" {
		keys, err := utils.ParseHMACKeys(c.JWTSigningKeys)
		if err != nil {
			return nil, err
		}
		return utils.NewKeySet(keys[0], keys[1:]...)
	}

	pemBytes, err := os.ReadFile(c.JWTRSAPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	active, err := utils.RSAPrivateKeyFromPEM(keyID(c.JWTRSAPrivateKeyFile), pemBytes)
	if err != nil {
		return nil, err
	}
	var previous []utils.SigningKey
	for _, path := range c.JWTRSAPreviousPublicKeyFiles {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read verification key: %w", err)
		}
		k, err := utils.RSAPublicKeyFromPEM(keyID(path), b)
		if err != nil {
			return nil, err
		}
		previous = append(previous, k)
	}
	return utils.NewKeySet(active, previous...)
}

func keyID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
