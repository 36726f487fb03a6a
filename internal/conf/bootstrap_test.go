package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBootstrap_Defaults(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")

	bc, err := NewBootstrap("")
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, "kirogate-1", bc.Server.Id)
	assert.Equal(t, ":8080", bc.Server.Http.Addr)
	assert.Equal(t, "tcp", bc.Server.Http.Network)
	assert.Equal(t, 10*time.Minute, bc.Server.Http.Timeout.AsDuration())

	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/kirogate", bc.Data.Database.Source)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout.AsDuration())

	assert.Equal(t, 30*24*time.Hour, bc.Auth.Jwt.Expires.AsDuration())
	assert.Empty(t, bc.Auth.WebLoginPassword)
	assert.Empty(t, bc.Auth.Encryption.Key)

	assert.True(t, bc.Pool.ActiveEnabled)
	assert.Equal(t, int32(5), bc.Pool.ActiveLimit)
	assert.Equal(t, int32(5), bc.Pool.ErrorThreshold)
	assert.Equal(t, 10*time.Minute, bc.Pool.CoolingPeriod.AsDuration())
	assert.Equal(t, 60*time.Second, bc.Pool.CacheTtl.AsDuration())
	assert.Equal(t, int32(5), bc.Pool.MaxAccountRetries)
	assert.Equal(t, int32(1), bc.Pool.MaxClaudeRetries)

	assert.False(t, bc.Refresh.Disabled)
	assert.Equal(t, int32(0), bc.Refresh.WorkerIndex)
	assert.Equal(t, 60*time.Second, bc.Refresh.Interval.AsDuration())
	assert.Equal(t, 30*time.Minute, bc.Refresh.Window.AsDuration())

	assert.Equal(t, int32(2), bc.Alert.MinAvailableAccounts)
	assert.Equal(t, int32(5), bc.Alert.WarningAvailableAccounts)
	assert.InDelta(t, 0.5, bc.Alert.MaxErrorAccountRate, 1e-9)

	assert.Equal(t, int32(10000), bc.Sync.MaxDeleteAccounts)
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)
}

func TestNewBootstrap_PortComposesListenAddr(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")
	t.Setenv("PORT", "9200")

	bc, err := NewBootstrap("")
	require.NoError(t, err)
	assert.Equal(t, ":9200", bc.Server.Http.Addr)
}

func TestNewBootstrap_AssemblesDSNFromParts(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("DB_USER", "kiro")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_NAME", "kirogate")

	bc, err := NewBootstrap("")
	require.NoError(t, err)
	assert.Equal(t,
		"kiro:s3cret@tcp(db.internal:3307)/kirogate?charset=utf8mb4&parseTime=True&loc=Local",
		bc.Data.Database.Source)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, bc *Bootstrap)
	}{
		{
			name:    "bare_names",
			envVars: map[string]string{"SERVER_ID": "edge-3", "WORKER_INDEX": "2", "LOG_LEVEL": "debug"},
			check: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, "edge-3", bc.Server.Id)
				assert.Equal(t, int32(2), bc.Refresh.WorkerIndex)
				assert.Equal(t, "debug", bc.Log.Level)
			},
		},
		{
			name:    "prefixed_dotted_form",
			envVars: map[string]string{"KIROGATE_DATA_REDIS_ADDR": "redis.example.com:6379"},
			check: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, "redis.example.com:6379", bc.Data.Redis.Addr)
			},
		},
		{
			name: "pool_tuning",
			envVars: map[string]string{
				"ACTIVE_POOL_ENABLED":           "false",
				"ACTIVE_POOL_LIMIT":             "10",
				"ACTIVE_POOL_ERROR_THRESHOLD":   "3",
				"ACTIVE_POOL_COOLING_PERIOD_MS": "120000",
				"MAX_ACCOUNT_RETRIES":           "7",
			},
			check: func(t *testing.T, bc *Bootstrap) {
				assert.False(t, bc.Pool.ActiveEnabled)
				assert.Equal(t, int32(10), bc.Pool.ActiveLimit)
				assert.Equal(t, int32(3), bc.Pool.ErrorThreshold)
				assert.Equal(t, 2*time.Minute, bc.Pool.CoolingPeriod.AsDuration())
				assert.Equal(t, int32(7), bc.Pool.MaxAccountRetries)
			},
		},
		{
			name:    "refresh_opt_out",
			envVars: map[string]string{"DISABLE_TOKEN_REFRESH": "true"},
			check: func(t *testing.T, bc *Bootstrap) {
				assert.True(t, bc.Refresh.Disabled)
			},
		},
		{
			name: "vendor_headers",
			envVars: map[string]string{
				"DEFAULT_HEADER_VERSION": "2",
				"HEADER_VERSION_GITHUB":  "1",
				"PROXY_URL":              "socks5://127.0.0.1:1080",
			},
			check: func(t *testing.T, bc *Bootstrap) {
				assert.Equal(t, int32(2), bc.Vendor.DefaultHeaderVersion)
				assert.Equal(t, int32(1), bc.Vendor.HeaderVersionGithub)
				assert.Equal(t, "socks5://127.0.0.1:1080", bc.Vendor.ProxyUrl)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			bc, err := NewBootstrap("")
			require.NoError(t, err)
			tt.check(t, bc)
		})
	}
}

func TestNewBootstrap_RefreshIntervalClamped(t *testing.T) {
	tests := []struct {
		name    string
		seconds string
		want    time.Duration
	}{
		{"below_floor", "5", 30 * time.Second},
		{"above_ceiling", "900", 300 * time.Second},
		{"in_range", "120", 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")
			t.Setenv("TOKEN_REFRESH_INTERVAL_SECONDS", tt.seconds)
			bc, err := NewBootstrap("")
			require.NoError(t, err)
			assert.Equal(t, tt.want, bc.Refresh.Interval.AsDuration())
		})
	}
}

func TestNewBootstrap_RefreshWindowFloor(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")
	t.Setenv("TOKEN_REFRESH_WINDOW_MINUTES", "3")

	bc, err := NewBootstrap("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, bc.Refresh.Window.AsDuration())
}

func TestNewBootstrap_ConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `server:
  id: file-server
  http:
    addr: :7777
data:
  database:
    source: file:pass@tcp(db:3306)/kirogate
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	assert.Equal(t, "file-server", bc.Server.Id)
	assert.Equal(t, ":7777", bc.Server.Http.Addr)

	// 环境变量优先于配置文件。
	t.Setenv("KIROGATE_SERVER_HTTP_ADDR", ":8888")
	bc, err = NewBootstrap(configPath)
	require.NoError(t, err)
	assert.Equal(t, ":8888", bc.Server.Http.Addr)
}

func TestNewBootstrap_ConfigFileNotFound(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/kirogate")

	bc, err := NewBootstrap("/non/existent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_MissingDSN(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Unsetenv("DB_HOST")

	bc, err := NewBootstrap("")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "data.database.source")
}

func TestValidate_NilBootstrap(t *testing.T) {
	err := Validate(&Bootstrap{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration fields")
}
