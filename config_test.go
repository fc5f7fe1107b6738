package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/belqax/pature-cli/api"
)

var configEnv = []string{
	"PATURE_CONFIG",
	"PATURE_API_URL",
	"PATURE_HTTP_TIMEOUT",
	"PATURE_REFRESH_REQUIRE_LOGIN",
	"PATURE_STORE",
	"PATURE_PROFILE",
	"PATURE_TOKEN_FILE",
	"PATURE_STORE_PASSPHRASE",
	"PATURE_REDIS_ADDR",
	"PATURE_REDIS_PASSWORD",
	"PATURE_REDIS_DB",
	"LOG_LEVEL",
	"LOG_FORMAT",
}

// clearConfigEnv unsets every variable the CLI reads for the duration of
// the test.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig(flagValues{})
	require.NoError(t, err)

	require.Equal(t, api.DefaultBaseURL, cfg.APIURL)
	require.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	require.False(t, cfg.RequireLogin)
	require.Empty(t, cfg.Store.Kind)
	require.Equal(t, "default", cfg.Store.Profile)
	require.Equal(t, ".pature-session.json", cfg.Store.TokenFile)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_Precedence(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PATURE_API_URL", "https://env.example.com/")
	t.Setenv("PATURE_TOKEN_FILE", "/tmp/env-session.json")
	t.Setenv("PATURE_HTTP_TIMEOUT", "5s")
	t.Setenv("PATURE_REFRESH_REQUIRE_LOGIN", "true")

	t.Run("env over default", func(t *testing.T) {
		cfg, err := loadConfig(flagValues{})
		require.NoError(t, err)
		require.Equal(t, "https://env.example.com/", cfg.APIURL)
		require.Equal(t, "/tmp/env-session.json", cfg.Store.TokenFile)
		require.Equal(t, 5*time.Second, cfg.HTTPTimeout)
		require.True(t, cfg.RequireLogin)
	})

	t.Run("flag over env", func(t *testing.T) {
		cfg, err := loadConfig(flagValues{
			apiURL:    "https://flag.example.com/",
			tokenFile: "flag.json",
			store:     "memory",
			profile:   "work",
			timeout:   time.Minute,
			logLevel:  "debug",
		})
		require.NoError(t, err)
		require.Equal(t, "https://flag.example.com/", cfg.APIURL)
		require.Equal(t, "flag.json", cfg.Store.TokenFile)
		require.Equal(t, "memory", cfg.Store.Kind)
		require.Equal(t, "work", cfg.Store.Profile)
		require.Equal(t, time.Minute, cfg.HTTPTimeout)
		require.Equal(t, "debug", cfg.Log.Level)
	})
}

func TestLoadConfig_File(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "pature.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_url: https://file.example.com/
http_timeout: 10s
store:
  kind: redis
  redis_addr: localhost:6379
  profile: shared
log:
  level: info
`), 0o600))

	cfg, err := loadConfig(flagValues{configPath: path})
	require.NoError(t, err)
	require.Equal(t, "https://file.example.com/", cfg.APIURL)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	require.Equal(t, "redis", cfg.Store.Kind)
	require.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	require.Equal(t, "shared", cfg.Store.Profile)
	require.Equal(t, ".pature-session.json", cfg.Store.TokenFile, "defaults fill the gaps")
	require.Equal(t, "info", cfg.Log.Level)

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("PATURE_API_URL", "https://env.example.com/")
		cfg, err := loadConfig(flagValues{configPath: path})
		require.NoError(t, err)
		require.Equal(t, "https://env.example.com/", cfg.APIURL)
	})

	t.Run("path from env", func(t *testing.T) {
		t.Setenv("PATURE_CONFIG", path)
		cfg, err := loadConfig(flagValues{})
		require.NoError(t, err)
		require.Equal(t, "shared", cfg.Store.Profile)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadConfig(flagValues{configPath: filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
	})
}

func TestLoadConfig_Invalid(t *testing.T) {
	clearConfigEnv(t)

	tests := []struct {
		name  string
		flags flagValues
		env   map[string]string
	}{
		{name: "bad scheme", flags: flagValues{apiURL: "ftp://api.example.com"}},
		{name: "no host", flags: flagValues{apiURL: "https://"}},
		{name: "unknown store", flags: flagValues{store: "sqlite"}},
		{name: "zero timeout", env: map[string]string{"PATURE_HTTP_TIMEOUT": "0s"}},
		{name: "unparsable timeout", env: map[string]string{"PATURE_HTTP_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(tt.flags)
			require.Error(t, err)
		})
	}
}

func TestLoadConfig_AutoStore(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig(flagValues{store: "AUTO"})
	require.NoError(t, err)
	require.Empty(t, cfg.Store.Kind)
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.belqax.xyz/", false},
		{"http://localhost:8000", false},
		{"", true},
		{"api.belqax.xyz", true},
		{"ws://api.belqax.xyz", true},
		{"http://", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestWarnPlaintext(t *testing.T) {
	var buf bytes.Buffer
	warnPlaintext(&buf, "https://api.belqax.xyz/")
	require.Empty(t, buf.String())

	warnPlaintext(&buf, "HTTP://localhost:8000")
	require.Contains(t, buf.String(), "plaintext")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel("debug").String())
	require.Equal(t, "INFO", parseLevel("INFO").String())
	require.Equal(t, "ERROR", parseLevel("error").String())
	require.Equal(t, "WARN", parseLevel("").String())
	require.Equal(t, "WARN", parseLevel("verbose").String())
}
