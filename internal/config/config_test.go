package config

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envVars = []string{
	"RUN_ADDRESS", "DATABASE_URI", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"GATEWAY_AUTH_URL", "GATEWAY_APP_ID", "GATEWAY_APP_SECRET", "GATEWAY_TOKEN", "GATEWAY_RATE_PER_MINUTE",
	"SYNC_INTERVAL", "OPEN_SYNC_INTERVAL", "SYNC_BATCH_SIZE", "SYNC_PAGE_SIZE", "SYNC_DEFAULT_LOOKBACK",
	"SYNC_DATE_FIELD", "SYNC_LOCK_TTL", "CACHE_LOOKBACK_DAYS", "JWT_SECRET", "TOKEN_EXPIRATION",
}

// loadWith загружает конфигурацию с заданными аргументами и окружением.
func loadWith(t *testing.T, args []string, env map[string]string) *Config {
	t.Helper()

	originalArgs := os.Args
	t.Cleanup(func() {
		os.Args = originalArgs
		flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	})

	// t.Setenv восстанавливает исходные значения после теста
	for _, key := range envVars {
		t.Setenv(key, "")
	}
	for key, value := range env {
		t.Setenv(key, value)
	}

	os.Args = args
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	return Load()
}

func TestConfigDefaults(t *testing.T) {
	cfg := loadWith(t, []string{"cmd"}, nil)

	assert.Equal(t, ModeServe, cfg.Mode)
	assert.Equal(t, "localhost:8080", cfg.RunAddress)
	assert.Empty(t, cfg.DatabaseURI)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 150, cfg.Gateway.RatePerMinute)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, SyncConfig{
		Interval:          15 * time.Minute,
		OpenInterval:      5 * time.Minute,
		BatchSize:         200,
		PageSize:          200,
		DefaultLookback:   7 * 24 * time.Hour,
		DateField:         "received",
		LockTTL:           time.Hour,
		CacheLookbackDays: 730,
	}, cfg.Sync)
	assert.Equal(t, 4, cfg.Run.Concurrency)
	assert.Equal(t, "default-secret-change-in-production", cfg.JWTSecret)
	assert.Equal(t, 24*time.Hour, cfg.TokenExpiration)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		wantMode    string
		wantAddress string
		wantDBURI   string
		wantRedis   string
		wantBatch   int
		wantField   string
	}{
		{
			name:        "flags only",
			args:        []string{"cmd", "-a", "localhost:9090", "-d", "postgresql://db", "-redis", "localhost:6379", "-batch-size", "50"},
			wantMode:    ModeServe,
			wantAddress: "localhost:9090",
			wantDBURI:   "postgresql://db",
			wantRedis:   "localhost:6379",
			wantBatch:   50,
			wantField:   "received",
		},
		{
			name: "env only",
			args: []string{"cmd"},
			envVars: map[string]string{
				"RUN_ADDRESS":     "localhost:7070",
				"DATABASE_URI":    "postgresql://envdb",
				"REDIS_ADDR":      "redis:6379",
				"SYNC_BATCH_SIZE": "120",
				"SYNC_DATE_FIELD": "processed",
			},
			wantMode:    ModeServe,
			wantAddress: "localhost:7070",
			wantDBURI:   "postgresql://envdb",
			wantRedis:   "redis:6379",
			wantBatch:   120,
			wantField:   "processed",
		},
		{
			name: "env overrides flags",
			args: []string{"cmd", "-a", "localhost:9090", "-d", "postgresql://flagdb", "-batch-size", "10"},
			envVars: map[string]string{
				"RUN_ADDRESS":     "localhost:7070",
				"SYNC_BATCH_SIZE": "30",
			},
			wantMode:    ModeServe,
			wantAddress: "localhost:7070",
			wantDBURI:   "postgresql://flagdb",
			wantBatch:   30,
			wantField:   "received",
		},
		{
			name:        "batch size capped",
			args:        []string{"cmd", "-batch-size", "500"},
			wantMode:    ModeServe,
			wantAddress: "localhost:8080",
			wantBatch:   200,
			wantField:   "received",
		},
		{
			name:        "invalid env falls back to flag",
			args:        []string{"cmd", "-batch-size", "40", "-date-field", "shipped"},
			envVars:     map[string]string{"SYNC_BATCH_SIZE": "many"},
			wantMode:    ModeServe,
			wantAddress: "localhost:8080",
			wantBatch:   40,
			wantField:   "received",
		},
		{
			name:        "mode as positional argument",
			args:        []string{"cmd", "-dry-run", "historical"},
			wantMode:    ModeHistorical,
			wantAddress: "localhost:8080",
			wantBatch:   200,
			wantField:   "received",
		},
		{
			name:        "mode flag",
			args:        []string{"cmd", "-mode", "open"},
			wantMode:    ModeOpen,
			wantAddress: "localhost:8080",
			wantBatch:   200,
			wantField:   "received",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadWith(t, tt.args, tt.envVars)

			assert.Equal(t, tt.wantMode, cfg.Mode)
			assert.Equal(t, tt.wantAddress, cfg.RunAddress)
			assert.Equal(t, tt.wantDBURI, cfg.DatabaseURI)
			assert.Equal(t, tt.wantRedis, cfg.RedisAddr)
			assert.Equal(t, tt.wantBatch, cfg.Sync.BatchSize)
			assert.Equal(t, tt.wantField, cfg.Sync.DateField)
		})
	}
}

func TestLoadGatewayAndIntervals(t *testing.T) {
	cfg := loadWith(t, []string{"cmd", "-gateway-rate", "60"}, map[string]string{
		"GATEWAY_AUTH_URL":      "https://auth.example.com",
		"GATEWAY_APP_ID":        "app",
		"GATEWAY_APP_SECRET":    "secret",
		"GATEWAY_TOKEN":         "token",
		"SYNC_INTERVAL":         "30m",
		"OPEN_SYNC_INTERVAL":    "2m",
		"SYNC_LOCK_TTL":         "90m",
		"SYNC_DEFAULT_LOOKBACK": "48h",
		"CACHE_LOOKBACK_DAYS":   "365",
		"REDIS_DB":              "3",
		"TOKEN_EXPIRATION":      "12h",
	})

	assert.Equal(t, GatewayConfig{
		AuthURL:       "https://auth.example.com",
		AppID:         "app",
		AppSecret:     "secret",
		Token:         "token",
		RatePerMinute: 60,
		Timeout:       30 * time.Second,
	}, cfg.Gateway)
	assert.Equal(t, 30*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Sync.OpenInterval)
	assert.Equal(t, 90*time.Minute, cfg.Sync.LockTTL)
	assert.Equal(t, 48*time.Hour, cfg.Sync.DefaultLookback)
	assert.Equal(t, 365, cfg.Sync.CacheLookbackDays)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 12*time.Hour, cfg.TokenExpiration)
}

func TestLoadRunFlags(t *testing.T) {
	cfg := loadWith(t, []string{
		"cmd", "-from", "2025-01-01", "-to", "2025-02-01T10:00:00+02:00",
		"-days", "30", "-force", "-only-missing", "-start-page", "7", "-concurrency", "2", "historical",
	}, nil)

	assert.Equal(t, ModeHistorical, cfg.Mode)
	assert.Equal(t, RunConfig{
		From:        "2025-01-01",
		To:          "2025-02-01T10:00:00+02:00",
		Days:        30,
		Force:       true,
		OnlyMissing: true,
		StartPage:   7,
		Concurrency: 2,
		Scopes:      "sync:read,sync:run",
	}, cfg.Run)

	from, to, err := cfg.Run.Window()
	require.NoError(t, err)
	require.NotNil(t, from)
	require.NotNil(t, to)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC), *to)
}

func TestRunConfigWindow(t *testing.T) {
	tests := []struct {
		name    string
		run     RunConfig
		wantNil bool
		wantErr string
	}{
		{name: "empty", run: RunConfig{}, wantNil: true},
		{name: "bad from", run: RunConfig{From: "yesterday"}, wantErr: "invalid -from"},
		{name: "bad to", run: RunConfig{To: "01/02/2025"}, wantErr: "invalid -to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := tt.run.Window()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, from)
				assert.Nil(t, to)
			}
		})
	}
}

func TestJWTSecretPriority(t *testing.T) {
	tests := []struct {
		name       string
		envSecret  string
		wantSecret string
	}{
		{name: "env JWT secret set", envSecret: "custom-jwt-secret", wantSecret: "custom-jwt-secret"},
		{name: "env JWT secret empty", envSecret: "", wantSecret: "default-secret-change-in-production"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadWith(t, []string{"cmd"}, map[string]string{"JWT_SECRET": tt.envSecret})
			assert.Equal(t, tt.wantSecret, cfg.JWTSecret)
		})
	}
}
