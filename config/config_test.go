package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"OIDC_ISSUER_URL":    "https://idp.example.com/realms/main",
		"OIDC_CLIENT_ID":     "gatehand",
		"OIDC_CLIENT_SECRET": "s3cret",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(lookupMap(validEnv()))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, []string{"openid", "profile", "email"}, c.Scopes)
	assert.Equal(t, DriverMemory, c.Driver())
	assert.Equal(t, "./hosts", c.HostsDir)
	assert.Equal(t, "/oauth2/traefik", c.ForwardAuthPath)
	assert.Equal(t, "/oauth2/callback", c.CallbackPath)
	assert.Equal(t, "/oauth2/logout", c.LogoutPath)
	assert.False(t, c.InsecureCookies)
	assert.Equal(t, 10, c.CallbackMaxFailures)

	key, err := c.SealingKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestFromEnvOverrides(t *testing.T) {
	env := validEnv()
	env["GATEHAND_LISTEN"] = "127.0.0.1:9000"
	env["OIDC_SCOPES"] = "openid, groups  offline_access"
	env["STORAGE_PATH"] = "/var/lib/gatehand/sessions.db"
	env["SESSION_SEALING_KEY"] = strings.Repeat("ab", 32)
	env["BASE_DOMAIN"] = "example.com"
	env["INSECURE_COOKIES"] = "true"
	env["CALLBACK_PATH"] = "/_auth/callback"
	env["CALLBACK_MAX_FAILURES"] = "0"

	c, err := FromEnv(lookupMap(env))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "127.0.0.1:9000", c.Listen)
	assert.Equal(t, []string{"openid", "groups", "offline_access"}, c.Scopes)
	assert.Equal(t, DriverBbolt, c.Driver(), "a storage path alone selects bbolt")
	assert.Equal(t, "example.com", c.BaseDomain)
	assert.True(t, c.InsecureCookies)
	assert.Equal(t, "/_auth/callback", c.CallbackPath)
	assert.Zero(t, c.CallbackMaxFailures, "zero disables the callback rate limit")

	key, err := c.SealingKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestFromEnvMalformedBool(t *testing.T) {
	env := validEnv()
	env["INSECURE_COOKIES"] = "sometimes"
	_, err := FromEnv(lookupMap(env))
	assert.ErrorContains(t, err, "INSECURE_COOKIES")
}

func TestFromEnvMalformedInt(t *testing.T) {
	env := validEnv()
	env["CALLBACK_MAX_FAILURES"] = "ten"
	_, err := FromEnv(lookupMap(env))
	assert.ErrorContains(t, err, "CALLBACK_MAX_FAILURES")
}

func TestValidateAggregatesErrors(t *testing.T) {
	c := Default()
	c.StorageDriver = "postgres"
	c.SealingKeyHex = "zz"
	c.LogoutPath = c.CallbackPath

	err := c.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	msg := err.Error()
	for _, want := range []string{
		"OIDC_ISSUER_URL is required",
		"OIDC_CLIENT_ID is required",
		"OIDC_CLIENT_SECRET is required",
		"STORAGE_PATH is required for the postgres driver",
		"SESSION_SEALING_KEY: not valid hex",
		"CALLBACK_PATH and LOGOUT_PATH must differ",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Len(t, merr.Errors, 6)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"UnknownDriver", func(c *Config) { c.StorageDriver = "mongo" }, `STORAGE_DRIVER "mongo"`},
		{"ShortKey", func(c *Config) { c.SealingKeyHex = "abcd" }, "must be 32 bytes, got 2"},
		{"RelativePath", func(c *Config) { c.ForwardAuthPath = "oauth2/traefik" }, "FORWARD_AUTH_PATH must start with /"},
		{"RelativeIssuer", func(c *Config) { c.IssuerURL = "idp.example.com" }, "absolute URL"},
		{"HalfTLS", func(c *Config) { c.TLSCert = "cert.pem" }, "must be set together"},
		{"NoScopes", func(c *Config) { c.Scopes = nil }, "OIDC_SCOPES"},
		{"BadWebhook", func(c *Config) { c.AuditWebhookURL = "ftp://x" }, "AUDIT_WEBHOOK_URL"},
		{"NegativeMaxFailures", func(c *Config) { c.CallbackMaxFailures = -1 }, "CALLBACK_MAX_FAILURES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := FromEnv(lookupMap(validEnv()))
			require.NoError(t, err)
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestValidateDriverPaths(t *testing.T) {
	for _, driver := range []string{DriverBbolt, DriverSQLite, DriverPostgres, DriverRedis} {
		c, err := FromEnv(lookupMap(validEnv()))
		require.NoError(t, err)
		c.StorageDriver = driver
		assert.Error(t, c.Validate(), driver)
		c.StoragePath = "somewhere"
		assert.NoError(t, c.Validate(), driver)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("GATEHAND_TEST_BASE_DOMAIN=from-file.test\nBASE_DOMAIN=from-file.test\n"), 0o600))

	t.Setenv("BASE_DOMAIN", "from-env.test")
	t.Setenv("GATEHAND_TEST_BASE_DOMAIN", "")
	os.Unsetenv("GATEHAND_TEST_BASE_DOMAIN")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.test", c.BaseDomain, "the environment wins over .env")
	assert.Equal(t, "from-file.test", os.Getenv("GATEHAND_TEST_BASE_DOMAIN"))

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}
