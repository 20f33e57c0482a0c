// Package config loads the serve settings from flags, MCPGATE_* environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rsclarke/mcpgate/internal/classifier"
	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/intercept/scanner"
	"github.com/rsclarke/mcpgate/internal/inventory"
)

const EnvPrefix = "MCPGATE"

// Audit backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrInvalid = errors.New("invalid settings")

type Settings struct {
	Listen      string        `mapstructure:"listen"`
	BasePort    int           `mapstructure:"base-port"`
	GracePeriod time.Duration `mapstructure:"grace-period"`
	ConfigPath  string        `mapstructure:"config"`
	RoutesPath  string        `mapstructure:"routes"`

	PoliciesPath    string `mapstructure:"policies"`
	KeyPoliciesPath string `mapstructure:"key-policies"`

	AuditBackend string `mapstructure:"audit-backend"`
	DBPath       string `mapstructure:"db"`
	PostgresDSN  string `mapstructure:"postgres-dsn"`

	RedisAddr    string        `mapstructure:"redis-addr"`
	InventoryTTL time.Duration `mapstructure:"inventory-ttl"`

	ClassifierModel   string        `mapstructure:"classifier-model"`
	ClassifierBaseURL string        `mapstructure:"classifier-base-url"`
	ClassifierAPIKey  string        `mapstructure:"classifier-api-key"`
	ClassifierTimeout time.Duration `mapstructure:"classifier-timeout"`
	ClassifierFailure string        `mapstructure:"classifier-failure"`
	OnInputThreat     string        `mapstructure:"on-input-threat"`
	OnOutputThreat    string        `mapstructure:"on-output-threat"`

	NoAuth       bool   `mapstructure:"no-auth"`
	OTLPEndpoint string `mapstructure:"otlp-endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp-insecure"`

	TLSDomain      string `mapstructure:"tls-domain"`
	ACMEEmail      string `mapstructure:"acme-email"`
	ACMEStaging    bool   `mapstructure:"acme-staging"`
	ACMEHTTPListen string `mapstructure:"acme-http-listen"`
}

// RegisterFlags defines every serve flag on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen", ":8000", "front door address (relay and admin API)")
	fs.Int("base-port", fleet.DefaultBasePort, "lowest port handed to per-alias listeners")
	fs.Duration("grace-period", fleet.DefaultGracePeriod, "how long a stopping listener may drain before it is closed")
	fs.String("config", "config.json", "alias to backend spec file, watched for changes")
	fs.String("routes", fleet.DefaultRoutesPath(), "alias to port file")

	fs.String("policies", "policies.json", "policy name to description file")
	fs.String("key-policies", "key_policies.json", "alias to policy names file")

	fs.String("audit-backend", BackendSQLite, "audit store: memory, sqlite or postgres")
	fs.String("db", "mcpgate.db", "sqlite database path (API keys, certificates, sqlite audit store)")
	fs.String("postgres-dsn", "", "postgres DSN for the postgres audit store")

	fs.String("redis-addr", "", "redis address for a shared inventory cache (host:port or redis:// URL)")
	fs.Duration("inventory-ttl", inventory.DefaultTTL, "inventory cache lifetime")

	fs.String("classifier-model", "", "classifier model name; empty disables classification")
	fs.String("classifier-base-url", "", "OpenAI compatible base URL for the classifier")
	fs.String("classifier-api-key", "", "API key for the classifier endpoint")
	fs.Duration("classifier-timeout", 30*time.Second, "per-call classifier timeout")
	fs.String("classifier-failure", "", "what a classifier failure does to the call: open or closed")
	fs.String("on-input-threat", string(scanner.InputAnnotate), "input threat action: block or annotate")
	fs.String("on-output-threat", string(scanner.OutputAnnotate), "output threat action: suppress or annotate")

	fs.Bool("no-auth", false, "disable admin API key checks")
	fs.String("otlp-endpoint", "", "OTLP/HTTP collector URL for span export")
	fs.Bool("otlp-insecure", false, "export spans over plain HTTP")

	fs.String("tls-domain", "", "serve the front door over TLS with an ACME certificate for this domain")
	fs.String("acme-email", "", "email for Let's Encrypt notifications")
	fs.Bool("acme-staging", false, "use Let's Encrypt staging CA")
	fs.String("acme-http-listen", ":80", "address answering HTTP-01 challenges; empty relies on TLS-ALPN")
}

// LoadDotEnv loads path into the environment when it exists. Variables
// already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load resolves settings with flag > environment > default precedence.
func Load(fs *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	switch s.AuditBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return fmt.Errorf("%w: --postgres-dsn is required for the postgres audit backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown audit backend %q", ErrInvalid, s.AuditBackend)
	}
	if s.BasePort < 1 || s.BasePort > 65535 {
		return fmt.Errorf("%w: base port %d out of range", ErrInvalid, s.BasePort)
	}
	if s.ConfigPath == "" || s.RoutesPath == "" {
		return fmt.Errorf("%w: --config and --routes must be set", ErrInvalid)
	}
	if filepath.Clean(s.ConfigPath) == filepath.Clean(s.RoutesPath) {
		return fmt.Errorf("%w: --config and --routes must differ", ErrInvalid)
	}
	if err := s.ScannerOptions().Validate(s.ClassifierEnabled()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (s *Settings) ClassifierEnabled() bool { return s.ClassifierModel != "" }

func (s *Settings) ScannerOptions() scanner.Options {
	return scanner.Options{
		Failure:  scanner.FailurePolicy(s.ClassifierFailure),
		OnInput:  scanner.InputAction(s.OnInputThreat),
		OnOutput: scanner.OutputAction(s.OnOutputThreat),
	}
}

func (s *Settings) ClassifierConfig() classifier.Config {
	return classifier.Config{
		Model:   s.ClassifierModel,
		BaseURL: s.ClassifierBaseURL,
		APIKey:  s.ClassifierAPIKey,
		Timeout: s.ClassifierTimeout,
	}
}
