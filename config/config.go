// Package config defines the registry's settings surface and loads it
// from the configuration file, environment variables, and CLI flags via
// viper. The settings keys mirror the sections of the shipped default
// configuration: registry behavior, origin, docs, proxy, storage
// backend selection, and the optional Redis/AMQP/OIDC integrations.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings is the fully resolved configuration the server runs with.
type Settings struct {
	DataDir string
	Port    int

	LogLevel  string
	LogFormat string

	// Registry behavior.
	AllowOwnerlessCrates bool
	NewCratesRestricted  bool
	RequiredCrateFields  []string
	AuthRequired         bool
	SessionAgeSeconds    int64

	Docs   DocsSettings
	Proxy  ProxySettings
	Origin OriginSettings

	Postgresql PostgresqlSettings
	Sqlite     SqliteSettings
	S3         S3Settings
	Redis      RedisSettings
	Amqp       AmqpSettings
	Oidc       OidcSettings
}

// DocsSettings gates the doc-build queue.
type DocsSettings struct {
	Enabled bool
}

// ProxySettings gates the crates.io proxy cache.
type ProxySettings struct {
	Enabled bool
}

// OriginSettings describes how the registry is reached from outside,
// used to synthesize absolute URLs in toolchain manifests.
type OriginSettings struct {
	Protocol string
	Hostname string
	Port     int
}

// URL renders the external base URL, omitting default ports.
func (o OriginSettings) URL() string {
	if (o.Protocol == "https" && o.Port == 443) || (o.Protocol == "http" && o.Port == 80) {
		return fmt.Sprintf("%s://%s", o.Protocol, o.Hostname)
	}
	return fmt.Sprintf("%s://%s:%d", o.Protocol, o.Hostname, o.Port)
}

// PostgresqlSettings selects the PostgreSQL backend when Enabled;
// otherwise the embedded sqlite database is used.
type PostgresqlSettings struct {
	Enabled bool
	Address string
	Port    int
	User    string
	Pwd     string
	Db      string
}

// SqliteSettings locates the embedded database file. An empty path
// defaults to <data_dir>/db.sqlite.
type SqliteSettings struct {
	Path string
}

// S3Settings selects S3-compatible blob storage when Enabled; otherwise
// blobs live on the local filesystem under <data_dir>.
type S3Settings struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// RedisSettings attaches the optional Redis front cache for OAuth2
// exchange state.
type RedisSettings struct {
	Enabled bool
	URL     string
}

// AmqpSettings attaches the optional AMQP notification channel for
// doc-build work items.
type AmqpSettings struct {
	Enabled bool
	URL     string
	Queue   string
}

// OidcSettings configures the optional external-identity login flow.
type OidcSettings struct {
	Enabled      bool
	ProviderURL  string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SetDefaults registers every setting's default on the given viper
// instance, so a bare install runs with an embedded sqlite database and
// filesystem blobs under ./kdata.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./kdata")
	v.SetDefault("port", 8000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("registry.allow_ownerless_crates", false)
	v.SetDefault("registry.new_crates_restricted", false)
	v.SetDefault("registry.required_crate_fields", []string{})
	v.SetDefault("registry.auth_required", false)
	v.SetDefault("registry.session_age_seconds", 8*60*60)

	v.SetDefault("docs.enabled", false)
	v.SetDefault("proxy.enabled", false)

	v.SetDefault("origin.protocol", "http")
	v.SetDefault("origin.hostname", "localhost")
	v.SetDefault("origin.port", 8000)

	v.SetDefault("postgresql.enabled", false)
	v.SetDefault("postgresql.address", "localhost")
	v.SetDefault("postgresql.port", 5432)
	v.SetDefault("postgresql.db", "kellnr")

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.queue", "kellnr_docbuild")

	v.SetDefault("oidc.enabled", false)
}

// Load resolves the Settings from a viper instance that has already
// read its config file, environment, and flag bindings.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		DataDir:   v.GetString("data_dir"),
		Port:      v.GetInt("port"),
		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		AllowOwnerlessCrates: v.GetBool("registry.allow_ownerless_crates"),
		NewCratesRestricted:  v.GetBool("registry.new_crates_restricted"),
		RequiredCrateFields:  v.GetStringSlice("registry.required_crate_fields"),
		AuthRequired:         v.GetBool("registry.auth_required"),
		SessionAgeSeconds:    v.GetInt64("registry.session_age_seconds"),

		Docs:  DocsSettings{Enabled: v.GetBool("docs.enabled")},
		Proxy: ProxySettings{Enabled: v.GetBool("proxy.enabled")},
		Origin: OriginSettings{
			Protocol: v.GetString("origin.protocol"),
			Hostname: v.GetString("origin.hostname"),
			Port:     v.GetInt("origin.port"),
		},
		Postgresql: PostgresqlSettings{
			Enabled: v.GetBool("postgresql.enabled"),
			Address: v.GetString("postgresql.address"),
			Port:    v.GetInt("postgresql.port"),
			User:    v.GetString("postgresql.user"),
			Pwd:     v.GetString("postgresql.pwd"),
			Db:      v.GetString("postgresql.db"),
		},
		Sqlite: SqliteSettings{Path: v.GetString("sqlite.path")},
		S3: S3Settings{
			Enabled:   v.GetBool("s3.enabled"),
			Endpoint:  v.GetString("s3.endpoint"),
			Region:    v.GetString("s3.region"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			Bucket:    v.GetString("s3.bucket"),
		},
		Redis: RedisSettings{
			Enabled: v.GetBool("redis.enabled"),
			URL:     v.GetString("redis.url"),
		},
		Amqp: AmqpSettings{
			Enabled: v.GetBool("amqp.enabled"),
			URL:     v.GetString("amqp.url"),
			Queue:   v.GetString("amqp.queue"),
		},
		Oidc: OidcSettings{
			Enabled:      v.GetBool("oidc.enabled"),
			ProviderURL:  v.GetString("oidc.provider_url"),
			ClientID:     v.GetString("oidc.client_id"),
			ClientSecret: v.GetString("oidc.client_secret"),
			RedirectURL:  v.GetString("oidc.redirect_url"),
		},
	}
	if s.Sqlite.Path == "" {
		s.Sqlite.Path = s.DataDir + "/db.sqlite"
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// knownCrateFields is the set of publish-metadata fields that
// required_crate_fields may name.
var knownCrateFields = map[string]bool{
	"description": true, "homepage": true, "repository": true,
	"license": true, "readme": true, "documentation": true,
}

// Validate rejects configurations the server cannot run with.
func (s Settings) Validate() error {
	var problems []string

	if s.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d is out of range", s.Port))
	}
	if s.Origin.Protocol != "http" && s.Origin.Protocol != "https" {
		problems = append(problems, fmt.Sprintf("origin.protocol must be http or https, got %q", s.Origin.Protocol))
	}
	if s.SessionAgeSeconds <= 0 {
		problems = append(problems, "registry.session_age_seconds must be positive")
	}
	for _, f := range s.RequiredCrateFields {
		if !knownCrateFields[f] {
			problems = append(problems, fmt.Sprintf("registry.required_crate_fields names unknown field %q", f))
		}
	}
	if s.Postgresql.Enabled {
		if s.Postgresql.User == "" {
			problems = append(problems, "postgresql.user is required when postgresql is enabled")
		}
		if s.Postgresql.Db == "" {
			problems = append(problems, "postgresql.db is required when postgresql is enabled")
		}
	}
	if s.S3.Enabled {
		if s.S3.Bucket == "" {
			problems = append(problems, "s3.bucket is required when s3 is enabled")
		}
		if s.S3.AccessKey == "" || s.S3.SecretKey == "" {
			problems = append(problems, "s3.access_key and s3.secret_key are required when s3 is enabled")
		}
	}
	if s.Amqp.Enabled && s.Amqp.URL == "" {
		problems = append(problems, "amqp.url is required when amqp is enabled")
	}
	if s.Oidc.Enabled {
		if s.Oidc.ProviderURL == "" || s.Oidc.ClientID == "" {
			problems = append(problems, "oidc.provider_url and oidc.client_id are required when oidc is enabled")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
