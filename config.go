package authrelay

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dpup/authrelay/errors"
	"github.com/dpup/authrelay/internal/config"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"google.golang.org/grpc/codes"
)

// Filename of the standard configuration file.
const ConfigFile = "authrelay.yaml"

const (
	defaultPort = 8082
	defaultHost = "localhost"
)

// ErrConfig is returned when the configuration can not be loaded or is
// missing required values. It is fatal at startup.
var ErrConfig = errors.NewC("authrelay: invalid configuration", codes.FailedPrecondition).
	WithReason("config_error").
	WithHTTPStatusCode(500)

// Config is the typed view of the loaded configuration. It is built once at
// startup and passed explicitly to the components that need it.
type Config struct {
	// External base URL, used to build the default callback URL.
	Address string `koanf:"address"`

	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Provider ProviderConfig `koanf:"provider"`
	Store    StoreConfig    `koanf:"store"`
	Logging  LoggingConfig  `koanf:"logging"`
	Limit    LimitConfig    `koanf:"ratelimit"`

	// Warnings about unknown or deprecated keys found while loading.
	Warnings []config.ValidationWarning `koanf:"-"`
}

type ServerConfig struct {
	Host            string         `koanf:"host"`
	Port            int            `koanf:"port"`
	ShutdownTimeout time.Duration  `koanf:"shutdownTimeout"`
	Security        SecurityConfig `koanf:"security"`
}

type SecurityConfig struct {
	XFramesOptions string        `koanf:"xFramesOptions"`
	HSTSExpiration time.Duration `koanf:"hstsExpiration"`
}

type AuthConfig struct {
	SigningKey string        `koanf:"signingKey"`
	Issuer     string        `koanf:"issuer"`
	Expiration time.Duration `koanf:"expiration"`
	WriteGrace time.Duration `koanf:"writeGrace"`
	Retry      RetryConfig   `koanf:"retry"`
}

type RetryConfig struct {
	MaxRetries      int           `koanf:"maxRetries"`
	InitialInterval time.Duration `koanf:"initialInterval"`
	MaxElapsed      time.Duration `koanf:"maxElapsed"`
}

type ProviderConfig struct {
	Name            string        `koanf:"name"`
	ClientID        string        `koanf:"clientId"`
	ClientSecret    string        `koanf:"clientSecret"`
	CallbackURL     string        `koanf:"callbackUrl"`
	Scopes          []string      `koanf:"scopes"`
	StateExpiration time.Duration `koanf:"stateExpiration"`
}

type StoreConfig struct {
	Driver        string        `koanf:"driver"`
	DSN           string        `koanf:"dsn"`
	KeyPrefix     string        `koanf:"keyPrefix"`
	Table         string        `koanf:"table"`
	SweepInterval time.Duration `koanf:"sweepInterval"`
}

type LoggingConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

type LimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// ConfigOption customizes how configuration is loaded.
type ConfigOption func(*configLoader)

// WithConfigFile loads the given YAML file instead of searching for
// authrelay.yaml.
func WithConfigFile(path string) ConfigOption {
	return func(l *configLoader) {
		l.file = path
	}
}

// WithDotEnv loads environment variables from the given .env files before the
// environment is read. Missing files are ignored.
func WithDotEnv(paths ...string) ConfigOption {
	return func(l *configLoader) {
		l.dotenv = paths
	}
}

// WithConfigValues overlays values on top of all other sources. Keys use the
// dotted form, e.g. "auth.signingKey".
func WithConfigValues(values map[string]interface{}) ConfigOption {
	return func(l *configLoader) {
		l.overrides = values
	}
}

// WithoutEnv skips environment variables. Useful in tests.
func WithoutEnv() ConfigOption {
	return func(l *configLoader) {
		l.skipEnv = true
	}
}

type configLoader struct {
	file      string
	dotenv    []string
	overrides map[string]interface{}
	skipEnv   bool
}

// LoadConfig reads configuration in the following order, later sources
// overriding earlier ones:
//
//  1. Registered defaults
//  2. authrelay.yaml, found by walking up from the working directory, or the
//     file passed to WithConfigFile
//  3. .env files (existing environment variables take precedence)
//  4. Environment variables with the RELAY__ prefix
//  5. Values passed to WithConfigValues
//
// Environment variable transformation:
//   - RELAY__SERVER__PORT → server.port
//   - RELAY__AUTH__SIGNING_KEY → auth.signingKey
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	l := &configLoader{dotenv: []string{".env"}}
	for _, opt := range opts {
		opt(l)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(ConfigKeys.Defaults(), "."), nil); err != nil {
		return nil, errors.Cause(ErrConfig, err)
	}

	path := l.file
	if path == "" {
		path = config.SearchForConfig(ConfigFile, ".")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Cause(ErrConfig, fmt.Errorf("loading %s: %w", path, err))
		}
	}

	if !l.skipEnv {
		for _, p := range l.dotenv {
			if err := godotenv.Load(p); err != nil && !os.IsNotExist(err) {
				return nil, errors.Cause(ErrConfig, fmt.Errorf("loading %s: %w", p, err))
			}
		}
		if err := k.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
			return nil, errors.Cause(ErrConfig, err)
		}
	}

	if l.overrides != nil {
		if err := k.Load(confmap.Provider(l.overrides, "."), nil); err != nil {
			return nil, errors.Cause(ErrConfig, err)
		}
	}

	if missing := ConfigKeys.MissingRequired(k); len(missing) > 0 {
		return nil, errors.Cause(ErrConfig, fmt.Errorf("missing required keys: %s", strings.Join(missing, ", ")))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Cause(ErrConfig, err)
	}
	cfg.Warnings = ConfigKeys.Validate(k)

	if cfg.Provider.CallbackURL == "" {
		cfg.Provider.CallbackURL = strings.TrimRight(cfg.Address, "/") + "/auth/" + cfg.Provider.Name + "/callback"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Auth.Expiration < time.Second:
		return errors.Cause(ErrConfig, fmt.Errorf("auth.expiration must be at least 1s, got %s", c.Auth.Expiration))
	case c.Auth.Retry.MaxRetries < 0:
		return errors.Cause(ErrConfig, fmt.Errorf("auth.retry.maxRetries must not be negative"))
	case c.Auth.Retry.MaxElapsed >= 2*time.Second:
		return errors.Cause(ErrConfig, fmt.Errorf("auth.retry.maxElapsed must be under 2s, got %s", c.Auth.Retry.MaxElapsed))
	case c.Provider.Name == "google" && (c.Provider.ClientID == "" || c.Provider.ClientSecret == ""):
		return errors.Cause(ErrConfig, fmt.Errorf("provider.clientId and provider.clientSecret are required for google"))
	}
	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, fmt.Sprint(c.Server.Port))
}

// ConfigKeys documents every configuration key understood by authrelay.
var ConfigKeys = config.NewRegistry(
	// General server configuration
	config.KeyInfo{
		Key:         "address",
		Description: "External address for the service (used in URL construction)",
		Type:        "string",
		Default:     "http://" + net.JoinHostPort(defaultHost, fmt.Sprint(defaultPort)),
	},
	config.KeyInfo{
		Key:         "server.host",
		Description: "Host to bind the server to",
		Type:        "string",
		Default:     defaultHost,
	},
	config.KeyInfo{
		Key:         "server.port",
		Description: "Port to bind the server to",
		Type:        "int",
		Default:     defaultPort,
	},
	config.KeyInfo{
		Key:         "server.shutdownTimeout",
		Description: "How long to wait for in-flight requests on shutdown",
		Type:        "duration",
		Default:     "10s",
	},
	config.KeyInfo{
		Key:         "server.security.xFramesOptions",
		Description: "X-Frame-Options header value",
		Type:        "string",
		Default:     "DENY",
	},
	config.KeyInfo{
		Key:         "server.security.hstsExpiration",
		Description: "HSTS max-age duration, zero disables the header",
		Type:        "duration",
	},

	// Session tokens
	config.KeyInfo{
		Key:         "auth.signingKey",
		Description: "Secret used to sign session tokens and OAuth state",
		Type:        "string",
		Required:    true,
		Secret:      true,
	},
	config.KeyInfo{
		Key:         "auth.issuer",
		Description: "Issuer claim written to and required on session tokens",
		Type:        "string",
		Default:     "authrelay",
	},
	config.KeyInfo{
		Key:         "auth.expiration",
		Description: "Lifetime of issued session tokens and their store records",
		Type:        "duration",
		Default:     "1h",
	},
	config.KeyInfo{
		Key:         "auth.writeGrace",
		Description: "If set, session writes complete for up to this long after the client disconnects",
		Type:        "duration",
		Default:     "0s",
	},
	config.KeyInfo{
		Key:         "auth.retry.maxRetries",
		Description: "Retries of an unavailable session store before failing the login",
		Type:        "int",
		Default:     2,
	},
	config.KeyInfo{
		Key:         "auth.retry.initialInterval",
		Description: "First backoff interval between session store retries",
		Type:        "duration",
		Default:     "100ms",
	},
	config.KeyInfo{
		Key:         "auth.retry.maxElapsed",
		Description: "Total time budget for session store retries, must be under 2s",
		Type:        "duration",
		Default:     "1500ms",
	},

	// Identity provider
	config.KeyInfo{
		Key:         "provider.name",
		Description: "Identity provider: google or fake",
		Type:        "string",
		Default:     "google",
	},
	config.KeyInfo{
		Key:         "provider.clientId",
		Description: "OAuth2 client ID",
		Type:        "string",
	},
	config.KeyInfo{
		Key:         "provider.clientSecret",
		Description: "OAuth2 client secret",
		Type:        "string",
		Secret:      true,
	},
	config.KeyInfo{
		Key:         "provider.callbackUrl",
		Description: "OAuth2 redirect URL, defaults to {address}/auth/{provider}/callback",
		Type:        "string",
	},
	config.KeyInfo{
		Key:         "provider.scopes",
		Description: "Scopes requested from the provider",
		Type:        "[]string",
		Default:     []string{"openid", "email", "profile"},
	},
	config.KeyInfo{
		Key:         "provider.stateExpiration",
		Description: "How long a login may take between redirect and callback",
		Type:        "duration",
		Default:     "5m",
	},

	// Session store
	config.KeyInfo{
		Key:         "store.driver",
		Description: "Session store backend: memory, redis, postgres or sqlite",
		Type:        "string",
		Default:     "memory",
	},
	config.KeyInfo{
		Key:         "store.dsn",
		Description: "Connection string for the session store",
		Type:        "string",
		Secret:      true,
	},
	config.KeyInfo{
		Key:         "store.keyPrefix",
		Description: "Prefix for session keys in redis",
		Type:        "string",
		Default:     "session:",
	},
	config.KeyInfo{
		Key:         "store.table",
		Description: "Table for session records in SQL stores",
		Type:        "string",
	},
	config.KeyInfo{
		Key:         "store.sweepInterval",
		Description: "How often expired records are removed from memory and SQL stores",
		Type:        "duration",
		Default:     "1m",
	},

	// Logging
	config.KeyInfo{
		Key:         "logging.format",
		Description: "Log format: dev or prod",
		Type:        "string",
		Default:     "dev",
	},
	config.KeyInfo{
		Key:         "logging.level",
		Description: "Minimum log level",
		Type:        "string",
	},

	// Rate limiting
	config.KeyInfo{
		Key:         "ratelimit.rps",
		Description: "Sustained requests per second allowed on the auth endpoints, zero disables",
		Type:        "float",
		Default:     10,
	},
	config.KeyInfo{
		Key:         "ratelimit.burst",
		Description: "Burst size for the auth endpoint rate limiter",
		Type:        "int",
		Default:     20,
	},
)
