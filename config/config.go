// Package config loads the service configuration from the environment,
// optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"github.com/jmcleod/gatehand/internal/util"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var drivers = []string{DriverMemory, DriverBbolt, DriverSQLite, DriverPostgres, DriverRedis}

// Config is the complete service configuration.
type Config struct {
	Listen  string
	TLSCert string
	TLSKey  string

	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string

	StorageDriver string
	StoragePath   string
	// SealingKeyHex is the hex encoded key sealing upstream cookies at rest.
	SealingKeyHex string

	BaseDomain      string
	HostsDir        string
	InsecureCookies bool

	ForwardAuthPath string
	CallbackPath    string
	LogoutPath      string

	AuditWebhookURL        string
	AuditWebhookAuthHeader string

	// CallbackMaxFailures is the number of failed login callbacks from one
	// client before it is locked out. Zero disables the limit.
	CallbackMaxFailures int
}

// Default returns a Config holding every default value.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		Scopes:          []string{"openid", "profile", "email"},
		HostsDir:        "./hosts",
		ForwardAuthPath: "/oauth2/traefik",
		CallbackPath:    "/oauth2/callback",
		LogoutPath:      "/oauth2/logout",

		CallbackMaxFailures: 10,
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment without overriding variables already set, then builds
// a Config from the environment. Missing .env files are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default. It reports
// malformed values; Validate checks the result for completeness.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	c := Default()
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("GATEHAND_LISTEN", &c.Listen)
	str("GATEHAND_TLS_CERT", &c.TLSCert)
	str("GATEHAND_TLS_KEY", &c.TLSKey)
	str("OIDC_ISSUER_URL", &c.IssuerURL)
	str("OIDC_CLIENT_ID", &c.ClientID)
	str("OIDC_CLIENT_SECRET", &c.ClientSecret)
	str("STORAGE_DRIVER", &c.StorageDriver)
	str("STORAGE_PATH", &c.StoragePath)
	str("SESSION_SEALING_KEY", &c.SealingKeyHex)
	str("BASE_DOMAIN", &c.BaseDomain)
	str("HOSTS_DIR", &c.HostsDir)
	str("FORWARD_AUTH_PATH", &c.ForwardAuthPath)
	str("CALLBACK_PATH", &c.CallbackPath)
	str("LOGOUT_PATH", &c.LogoutPath)
	str("AUDIT_WEBHOOK_URL", &c.AuditWebhookURL)
	str("AUDIT_WEBHOOK_AUTH_HEADER", &c.AuditWebhookAuthHeader)

	var scopes string
	str("OIDC_SCOPES", &scopes)
	if scopes != "" {
		c.Scopes = ParseScopes(scopes)
	}

	var result *multierror.Error
	var insecure string
	str("INSECURE_COOKIES", &insecure)
	if insecure != "" {
		b, err := strconv.ParseBool(insecure)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("INSECURE_COOKIES: %q is not a boolean", insecure))
		}
		c.InsecureCookies = b
	}
	var maxFailures string
	str("CALLBACK_MAX_FAILURES", &maxFailures)
	if maxFailures != "" {
		n, err := strconv.Atoi(maxFailures)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("CALLBACK_MAX_FAILURES: %q is not an integer", maxFailures))
		} else {
			c.CallbackMaxFailures = n
		}
	}
	return c, result.ErrorOrNil()
}

// ParseScopes splits a space or comma separated scope list.
func ParseScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// Driver returns the effective storage driver: the configured one, or bbolt
// when only a storage path is set, or memory.
func (c *Config) Driver() string {
	switch {
	case c.StorageDriver != "":
		return strings.ToLower(c.StorageDriver)
	case c.StoragePath != "":
		return DriverBbolt
	default:
		return DriverMemory
	}
}

// SealingKey decodes SealingKeyHex. It returns nil when no key is set.
func (c *Config) SealingKey() ([]byte, error) {
	if c.SealingKeyHex == "" {
		return nil, nil
	}
	key, err := util.HexDecode(c.SealingKeyHex)
	if err != nil {
		return nil, fmt.Errorf("SESSION_SEALING_KEY: not valid hex")
	}
	if len(key) != util.AESKeySize {
		return nil, fmt.Errorf("SESSION_SEALING_KEY: must be %d bytes, got %d", util.AESKeySize, len(key))
	}
	return key, nil
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		add("GATEHAND_LISTEN is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		add("GATEHAND_TLS_CERT and GATEHAND_TLS_KEY must be set together")
	}

	if c.IssuerURL == "" {
		add("OIDC_ISSUER_URL is required")
	} else if u, err := url.Parse(c.IssuerURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("OIDC_ISSUER_URL must be an absolute URL")
	}
	if c.ClientID == "" {
		add("OIDC_CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		add("OIDC_CLIENT_SECRET is required")
	}
	if len(c.Scopes) == 0 {
		add("OIDC_SCOPES must not be empty")
	}

	driver := c.Driver()
	switch {
	case !slices.Contains(drivers, driver):
		add("STORAGE_DRIVER %q is not one of %s", driver, strings.Join(drivers, ", "))
	case driver != DriverMemory && c.StoragePath == "":
		add("STORAGE_PATH is required for the %s driver", driver)
	}
	if _, err := c.SealingKey(); err != nil {
		result = multierror.Append(result, err)
	}

	for _, p := range []struct{ name, value string }{
		{"FORWARD_AUTH_PATH", c.ForwardAuthPath},
		{"CALLBACK_PATH", c.CallbackPath},
		{"LOGOUT_PATH", c.LogoutPath},
	} {
		if !strings.HasPrefix(p.value, "/") {
			add("%s must start with /", p.name)
		}
	}
	if c.CallbackPath == c.LogoutPath {
		add("CALLBACK_PATH and LOGOUT_PATH must differ")
	}
	if c.CallbackMaxFailures < 0 {
		add("CALLBACK_MAX_FAILURES must not be negative")
	}
	if c.AuditWebhookURL != "" {
		if u, err := url.Parse(c.AuditWebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("AUDIT_WEBHOOK_URL must be an http(s) URL")
		}
	}
	return result.ErrorOrNil()
}
