// Package config reads a declarative client description from YAML plus
// APIFETCH_* environment overrides and turns it into a client.Config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. APIFETCH_AUTH_PASSWORD.
const EnvPrefix = "APIFETCH"

// File is the decoded configuration file.
type File struct {
	// Connector names the source for logs and checkpoints.
	Connector string `mapstructure:"connector" yaml:"connector" validate:"required"`

	BaseURL   string        `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Log       LogFile       `mapstructure:"log" yaml:"log"`
	Auth      AuthFile      `mapstructure:"auth" yaml:"auth"`
	RateLimit RateLimitFile `mapstructure:"ratelimit" yaml:"ratelimit"`
	State     StateFile     `mapstructure:"state" yaml:"state"`
	Redis     RedisFile     `mapstructure:"redis" yaml:"redis"`

	// Endpoints are decoded from the raw YAML, outside viper, so parameter
	// and field names keep their case.
	Endpoints []EndpointFile `mapstructure:"-" yaml:"endpoints" validate:"dive"`
}

// LogFile configures logging.
type LogFile struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AuthFile selects and configures the authentication strategy. String
// values may reference environment variables as ${NAME}.
type AuthFile struct {
	Type string `mapstructure:"type" yaml:"type" validate:"omitempty,oneof=none bearer basic oauth2"`

	// bearer
	Token    string `mapstructure:"token" yaml:"token,omitempty"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env,omitempty"`

	// basic
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// oauth2
	TokenURL       string        `mapstructure:"token_url" yaml:"token_url,omitempty"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id,omitempty"`
	ClientSecret   string        `mapstructure:"client_secret" yaml:"client_secret,omitempty"`
	RefreshToken   string        `mapstructure:"refresh_token" yaml:"refresh_token,omitempty"`
	ExpiresInField string        `mapstructure:"expires_in_field" yaml:"expires_in_field,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout,omitempty"`
	ClockSkew      time.Duration `mapstructure:"clock_skew" yaml:"clock_skew,omitempty"`

	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

// RateLimitFile configures the caller-level interceptors.
type RateLimitFile struct {
	Backoff BackoffFile `mapstructure:"backoff" yaml:"backoff"`

	// RPS paces requests when positive.
	RPS   float64 `mapstructure:"rps" yaml:"rps" validate:"gte=0"`
	Burst int     `mapstructure:"burst" yaml:"burst"`

	Quota QuotaFile `mapstructure:"quota" yaml:"quota"`
}

// BackoffFile configures 429 retries.
type BackoffFile struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	Initial      time.Duration `mapstructure:"initial" yaml:"initial"`
	Max          time.Duration `mapstructure:"max" yaml:"max"`
	ServerErrors bool          `mapstructure:"server_errors" yaml:"server_errors"`
}

// QuotaFile enables Redis-shared quota tracking.
type QuotaFile struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	API             string `mapstructure:"api" yaml:"api"`
	RemainingHeader string `mapstructure:"remaining_header" yaml:"remaining_header"`
	ResetHeader     string `mapstructure:"reset_header" yaml:"reset_header"`
}

// StateFile selects the checkpoint store.
type StateFile struct {
	Backend string        `mapstructure:"backend" yaml:"backend" validate:"omitempty,oneof=memory redis"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// RedisFile configures the Redis connection shared by quota tracking and
// the checkpoint store.
type RedisFile struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// EndpointFile describes one endpoint.
type EndpointFile struct {
	Name   string         `yaml:"name" validate:"required"`
	Path   string         `yaml:"path" validate:"required_without=URL"`
	Method string         `yaml:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE get post put patch delete"`
	Params map[string]any `yaml:"params,omitempty"`

	Codec        string `yaml:"codec,omitempty" validate:"omitempty,oneof=json csv soap"`
	CSVDelimiter string `yaml:"csv_delimiter,omitempty" validate:"omitempty,max=1"`
	Stream       bool   `yaml:"stream,omitempty"`

	SOAP     *SOAPFile     `yaml:"soap,omitempty"`
	Extract  *ExtractFile  `yaml:"extract,omitempty"`
	Paginate *PaginateFile `yaml:"paginate,omitempty"`
	URL      *URLFile      `yaml:"url,omitempty"`
	Download *DownloadFile `yaml:"download,omitempty"`
}

// SOAPFile configures the SOAP codec. Body and Envelope are Go templates
// over the request fields; {{xml .field}} escapes a value. Body is wrapped
// in a standard SOAP 1.1 envelope, Envelope is sent as rendered and may
// carry a soap:Header. Exactly one must be set.
type SOAPFile struct {
	Action   string `yaml:"action,omitempty"`
	Body     string `yaml:"body,omitempty" validate:"required_without=Envelope,excluded_with=Envelope"`
	Envelope string `yaml:"envelope,omitempty" validate:"required_without=Body"`
}

// ExtractFile selects exactly one extractor.
type ExtractFile struct {
	Path    string       `yaml:"path,omitempty"`
	XPath   string       `yaml:"xpath,omitempty"`
	Records *RecordsFile `yaml:"records,omitempty"`
}

// RecordsFile configures XML record extraction.
type RecordsFile struct {
	Items  string               `yaml:"items" validate:"required"`
	Fields map[string]FieldFile `yaml:"fields" validate:"required,min=1,dive"`
}

// FieldFile is one XML record field rule.
type FieldFile struct {
	XPath     string `yaml:"xpath" validate:"required"`
	Multi     bool   `yaml:"multi,omitempty"`
	Container string `yaml:"container,omitempty"`
	Join      string `yaml:"join,omitempty"`
}

// PaginateFile selects a pagination variant.
type PaginateFile struct {
	Type string `yaml:"type" validate:"required,oneof=none cursor_link token_echo offset_limit"`

	// cursor_link, token_echo
	Path         string `yaml:"path,omitempty"`
	RequestField string `yaml:"request_field,omitempty"`

	// offset_limit
	OffsetField string `yaml:"offset_field,omitempty"`
	LimitField  string `yaml:"limit_field,omitempty"`
	ItemsPath   string `yaml:"items_path,omitempty"`
	TotalPath   string `yaml:"total_path,omitempty"`
}

// URLFile selects a URL builder.
type URLFile struct {
	Template string `yaml:"template,omitempty"`
	Field    string `yaml:"field,omitempty"`
}

// DownloadFile marks a two-stage endpoint.
type DownloadFile struct {
	Path string `yaml:"path" validate:"required"`
}

// Load reads path, applies defaults and APIFETCH_* environment overrides,
// expands ${VAR} references in credentials and validates the result.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	raw, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc struct {
		Endpoints []EndpointFile `yaml:"endpoints"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode endpoints: %w", err)
	}
	f.Endpoints = doc.Endpoints

	f.Auth.expand()
	f.Redis.Password = os.ExpandEnv(f.Redis.Password)

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connector", "")
	v.SetDefault("base_url", "")
	v.SetDefault("user_agent", "apifetch/1.0")
	v.SetDefault("timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("auth.type", "none")
	for _, key := range []string{"token", "token_env", "username", "password", "token_url", "client_id", "client_secret", "refresh_token"} {
		v.SetDefault("auth."+key, "")
	}
	v.SetDefault("auth.expires_in_field", "expires_in")
	v.SetDefault("auth.request_timeout", 30*time.Second)
	v.SetDefault("auth.clock_skew", 60*time.Second)

	v.SetDefault("ratelimit.backoff.enabled", false)
	v.SetDefault("ratelimit.backoff.max_retries", 5)
	v.SetDefault("ratelimit.backoff.initial", time.Second)
	v.SetDefault("ratelimit.backoff.max", 60*time.Second)
	v.SetDefault("ratelimit.backoff.server_errors", false)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.quota.enabled", false)
	v.SetDefault("ratelimit.quota.api", "")

	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.ttl", 0)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

func (a *AuthFile) expand() {
	for _, s := range []*string{&a.Token, &a.Username, &a.Password, &a.TokenURL, &a.ClientID, &a.ClientSecret, &a.RefreshToken} {
		*s = os.ExpandEnv(*s)
	}
	for k, val := range a.Headers {
		a.Headers[k] = os.ExpandEnv(val)
	}
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules of the
// selected auth type and endpoint variants.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	switch f.Auth.Type {
	case "bearer":
		if f.Auth.Token == "" && f.Auth.TokenEnv == "" {
			return fmt.Errorf("invalid config: bearer auth requires token or token_env")
		}
	case "basic":
		if f.Auth.Username == "" {
			return fmt.Errorf("invalid config: basic auth requires username")
		}
	case "oauth2":
		if f.Auth.TokenURL == "" || f.Auth.RefreshToken == "" {
			return fmt.Errorf("invalid config: oauth2 auth requires token_url and refresh_token")
		}
	}

	if f.RateLimit.Quota.Enabled && f.RateLimit.Quota.API == "" {
		return fmt.Errorf("invalid config: quota tracking requires an api name")
	}

	seen := make(map[string]bool, len(f.Endpoints))
	for _, ep := range f.Endpoints {
		if seen[ep.Name] {
			return fmt.Errorf("invalid config: duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = true
		if ep.Codec == "soap" && ep.SOAP == nil {
			return fmt.Errorf("invalid config: endpoint %q: soap codec requires a soap section", ep.Name)
		}
		if ep.Extract != nil {
			n := 0
			for _, set := range []bool{ep.Extract.Path != "", ep.Extract.XPath != "", ep.Extract.Records != nil} {
				if set {
					n++
				}
			}
			if n != 1 {
				return fmt.Errorf("invalid config: endpoint %q: extract needs exactly one of path, xpath, records", ep.Name)
			}
		}
		if ep.URL != nil && (ep.URL.Template == "") == (ep.URL.Field == "") {
			return fmt.Errorf("invalid config: endpoint %q: url needs exactly one of template, field", ep.Name)
		}
	}
	return nil
}
