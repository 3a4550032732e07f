package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/smartquery/pkg/smartquery"
	"github.com/malbeclabs/smartquery/pkg/sqlexec"
)

const envPrefix = "SMARTQUERY_"

// Config is the merged CLI configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
type Config struct {
	Verbose bool   `koanf:"verbose"`
	Mode    string `koanf:"mode"`
	User    string `koanf:"user"`

	// Metadata store: a YAML manifest, or Postgres when MetadataURL is set.
	Manifest    string `koanf:"manifest"`
	MetadataURL string `koanf:"metadata_url"`

	// File sources live in DataDir, or in S3 when S3Bucket is set.
	DataDir     string `koanf:"data_dir"`
	S3Bucket    string `koanf:"s3_bucket"`
	S3Prefix    string `koanf:"s3_prefix"`
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3AccessKey string `koanf:"s3_access_key"`
	S3SecretKey string `koanf:"s3_secret_key"`

	// Table sources are queried over this connection.
	Dialect string `koanf:"dialect"`
	DSN     string `koanf:"dsn"`

	Model           string `koanf:"model"`
	AnthropicAPIKey string `koanf:"anthropic_api_key"`
	LLMRetries      int    `koanf:"llm_retries"`

	PoolSize int `koanf:"pool_size"`
	RowLimit int `koanf:"row_limit"`
	MaxRows  int `koanf:"max_rows"`
}

var defaults = map[string]any{
	"mode":        string(smartquery.KindFile),
	"user":        "local",
	"data_dir":    ".",
	"dialect":     string(sqlexec.Postgres),
	"llm_retries": 3,
	"pool_size":   4,
	"row_limit":   100,
}

// LoadConfig layers defaults, the optional YAML file at path, SMARTQUERY_* env vars and the
// explicitly set flags.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// SMARTQUERY_DATA_DIR -> data_dir
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch smartquery.Kind(c.Mode) {
	case smartquery.KindFile:
		if c.DataDir == "" && c.S3Bucket == "" {
			return errors.New("data dir or s3 bucket is required in file mode")
		}
	case smartquery.KindTable:
	default:
		return fmt.Errorf("invalid mode %q (want file or table)", c.Mode)
	}
	if c.Manifest == "" && c.MetadataURL == "" {
		return errors.New("manifest or metadata url is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	return nil
}

// Credentials returns the table-mode connection credentials, or nil when no DSN is configured.
func (c *Config) Credentials() (*sqlexec.Credentials, error) {
	if c.DSN == "" {
		return nil, nil
	}
	dialect, err := sqlexec.ParseDialect(c.Dialect)
	if err != nil {
		return nil, err
	}
	return &sqlexec.Credentials{Dialect: dialect, DSN: c.DSN}, nil
}
