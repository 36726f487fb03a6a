// Package conf defines the configuration tree and loads it with Viper.
// Values come from an optional YAML file, environment variables and
// defaults, in that order of priority.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Refresher period and window bounds. Values outside are clamped here so the
// rest of the code never sees a pathological tick.
const (
	minRefreshInterval = 30 * time.Second
	maxRefreshInterval = 300 * time.Second
	minRefreshWindow   = 10 * time.Minute
)

// NewBootstrap loads the full configuration.
//
// 优先级：环境变量 > 配置文件 > 默认值。每个环境变量都显式 BindEnv，
// 同时接受 KIROGATE_ 前缀的点路径形式（如 KIROGATE_POOL_ACTIVE_LIMIT）。
//
// Required: a MySQL DSN (MYSQL_DSN or the DB_* parts). Everything else has a
// workable default; empty WEB_LOGIN_PASSWORD disables web login and empty
// ENCRYPTION_KEY stores credentials in plaintext.
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KIROGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Id:      v.GetString("server.id"),
			Version: v.GetString("server.version"),
			Workers: v.GetInt32("server.workers"),
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    listenAddr(v),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: databaseSource(v),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Auth: &Auth{
			DefaultApiKey:    v.GetString("auth.default_api_key"),
			WebLoginPassword: v.GetString("auth.web_login_password"),
			Jwt: &Auth_JWT{
				Secret:  v.GetString("auth.jwt.secret"),
				Expires: durationpb.New(v.GetDuration("auth.jwt.expires")),
			},
			Encryption: &Auth_Encryption{
				Key: v.GetString("auth.encryption.key"),
			},
		},
		Pool: &Pool{
			ActiveEnabled:     v.GetBool("pool.active_enabled"),
			ActiveLimit:       v.GetInt32("pool.active_limit"),
			ErrorThreshold:    v.GetInt32("pool.error_threshold"),
			CoolingPeriod:     durationpb.New(time.Duration(v.GetInt64("pool.cooling_period_ms")) * time.Millisecond),
			CacheTtl:          durationpb.New(v.GetDuration("pool.cache_ttl")),
			MaxAccountRetries: v.GetInt32("pool.max_account_retries"),
			MaxClaudeRetries:  v.GetInt32("pool.max_claude_retries"),
		},
		Refresh: &Refresh{
			Disabled:    v.GetBool("refresh.disabled"),
			WorkerIndex: v.GetInt32("refresh.worker_index"),
			Interval:    durationpb.New(clampDuration(time.Duration(v.GetInt64("refresh.interval_seconds"))*time.Second, minRefreshInterval, maxRefreshInterval)),
			Window:      durationpb.New(maxDuration(time.Duration(v.GetInt64("refresh.window_minutes"))*time.Minute, minRefreshWindow)),
			LockTimeout: durationpb.New(v.GetDuration("refresh.lock_timeout")),
			Concurrency: v.GetInt32("refresh.concurrency"),
		},
		Vendor: &Vendor{
			DefaultHeaderVersion:   v.GetInt32("vendor.default_header_version"),
			HeaderVersionAwsIdc:    v.GetInt32("vendor.header_version_awsidc"),
			HeaderVersionBuilderId: v.GetInt32("vendor.header_version_builderid"),
			HeaderVersionGithub:    v.GetInt32("vendor.header_version_github"),
			HeaderVersionGoogle:    v.GetInt32("vendor.header_version_google"),
			ProfileArn:             v.GetString("vendor.profile_arn"),
			ProxyUrl:               v.GetString("vendor.proxy_url"),
			RequestTimeout:         durationpb.New(v.GetDuration("vendor.request_timeout")),
		},
		Alert: &Alert{
			WebhookUrl:               v.GetString("alert.webhook_url"),
			MinAvailableAccounts:     v.GetInt32("alert.min_available_accounts"),
			WarningAvailableAccounts: v.GetInt32("alert.warning_available_accounts"),
			MaxErrorAccountRate:      v.GetFloat64("alert.max_error_account_rate"),
			MaxDbConnectionFailures:  v.GetInt32("alert.max_db_connection_failures"),
		},
		Sync: &Sync{
			MaxDeleteAccounts: v.GetInt32("sync.max_delete_accounts"),
			DeleteRateWindow:  durationpb.New(v.GetDuration("sync.delete_rate_window")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}
	return bc, nil
}

// bindEnv maps every supported bare environment variable onto its config
// path. The KIROGATE_-prefixed dotted form always works via AutomaticEnv.
func bindEnv(v *viper.Viper) {
	binds := map[string][]string{
		"server.id":      {"SERVER_ID"},
		"server.version": {"APP_VERSION"},
		"server.workers": {"CLUSTER_WORKERS"},
		"server.port":    {"PORT"},

		"data.database.source": {"MYSQL_DSN"},
		"data.database.host":   {"DB_HOST"},
		"data.database.port":   {"DB_PORT"},
		"data.database.user":   {"DB_USER"},
		"data.database.pass":   {"DB_PASSWORD"},
		"data.database.name":   {"DB_NAME"},

		"data.redis.addr":     {"REDIS_ADDR"},
		"data.redis.password": {"REDIS_PASSWORD"},
		"data.redis.db":       {"REDIS_DB"},

		"auth.default_api_key":    {"DEFAULT_API_KEY"},
		"auth.web_login_password": {"WEB_LOGIN_PASSWORD"},
		"auth.jwt.secret":         {"ELECTRON_AUTH_SECRET"},
		"auth.encryption.key":     {"ENCRYPTION_KEY"},

		"pool.active_enabled":      {"ACTIVE_POOL_ENABLED"},
		"pool.active_limit":        {"ACTIVE_POOL_LIMIT"},
		"pool.error_threshold":     {"ACTIVE_POOL_ERROR_THRESHOLD"},
		"pool.cooling_period_ms":   {"ACTIVE_POOL_COOLING_PERIOD_MS"},
		"pool.max_account_retries": {"MAX_ACCOUNT_RETRIES"},
		"pool.max_claude_retries":  {"MAX_CLAUDE_RETRIES"},

		"refresh.disabled":         {"DISABLE_TOKEN_REFRESH"},
		"refresh.worker_index":     {"WORKER_INDEX"},
		"refresh.interval_seconds": {"TOKEN_REFRESH_INTERVAL_SECONDS"},
		"refresh.window_minutes":   {"TOKEN_REFRESH_WINDOW_MINUTES"},

		"vendor.default_header_version":   {"DEFAULT_HEADER_VERSION"},
		"vendor.header_version_awsidc":    {"HEADER_VERSION_AWSIDC"},
		"vendor.header_version_builderid": {"HEADER_VERSION_BUILDERID"},
		"vendor.header_version_github":    {"HEADER_VERSION_GITHUB"},
		"vendor.header_version_google":    {"HEADER_VERSION_GOOGLE"},
		"vendor.profile_arn":              {"KIRO_PROFILE_ARN"},
		"vendor.proxy_url":                {"PROXY_URL"},

		"alert.webhook_url":                {"ALERT_WEBHOOK_URL"},
		"alert.min_available_accounts":     {"ALERT_MIN_AVAILABLE_ACCOUNTS"},
		"alert.warning_available_accounts": {"ALERT_WARNING_AVAILABLE_ACCOUNTS"},
		"alert.max_error_account_rate":     {"ALERT_MAX_ERROR_ACCOUNT_RATE"},
		"alert.max_db_connection_failures": {"ALERT_MAX_DB_CONNECTION_FAILURES"},

		"log.level":       {"LOG_LEVEL"},
		"log.output_file": {"LOG_DIR"},
	}
	for key, envs := range binds {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
}

// listenAddr prefers an explicit server.http.addr, else builds one from PORT.
func listenAddr(v *viper.Viper) string {
	if addr := v.GetString("server.http.addr"); addr != "" {
		return addr
	}
	return fmt.Sprintf(":%d", v.GetInt("server.port"))
}

// databaseSource prefers the full DSN, else assembles one from the DB_* parts.
func databaseSource(v *viper.Viper) string {
	if dsn := v.GetString("data.database.source"); dsn != "" {
		return dsn
	}
	host := v.GetString("data.database.host")
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		v.GetString("data.database.user"),
		v.GetString("data.database.pass"),
		host,
		v.GetInt("data.database.port"),
		v.GetString("data.database.name"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.id", "kirogate-1")
	v.SetDefault("server.version", "dev")
	v.SetDefault("server.workers", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.http.network", "tcp")
	// Long-running streams; the HTTP timeout doubles as the request deadline.
	v.SetDefault("server.http.timeout", 10*time.Minute)

	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.database.port", 3306)

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("auth.jwt.secret", "kirogate-electron-auth")
	v.SetDefault("auth.jwt.expires", 30*24*time.Hour)

	v.SetDefault("pool.active_enabled", true)
	v.SetDefault("pool.active_limit", 5)
	v.SetDefault("pool.error_threshold", 5)
	v.SetDefault("pool.cooling_period_ms", int64(10*time.Minute/time.Millisecond))
	v.SetDefault("pool.cache_ttl", 60*time.Second)
	v.SetDefault("pool.max_account_retries", 5)
	v.SetDefault("pool.max_claude_retries", 1)

	v.SetDefault("refresh.disabled", false)
	v.SetDefault("refresh.worker_index", 0)
	v.SetDefault("refresh.interval_seconds", 60)
	v.SetDefault("refresh.window_minutes", 30)
	v.SetDefault("refresh.lock_timeout", 60*time.Second)
	v.SetDefault("refresh.concurrency", 5)

	v.SetDefault("vendor.default_header_version", 1)
	v.SetDefault("vendor.request_timeout", 10*time.Minute)

	v.SetDefault("alert.min_available_accounts", 2)
	v.SetDefault("alert.warning_available_accounts", 5)
	v.SetDefault("alert.max_error_account_rate", 0.5)
	v.SetDefault("alert.max_db_connection_failures", 3)

	v.SetDefault("sync.max_delete_accounts", 10000)
	v.SetDefault("sync.delete_rate_window", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.env", "production")
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func maxDuration(d, min time.Duration) time.Duration {
	if d < min {
		return min
	}
	return d
}

// Validate reports every missing required field at once.
func Validate(bc *Bootstrap) error {
	var missing []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missing = append(missing, "data.database.source (MYSQL_DSN or DB_HOST/DB_USER/DB_NAME)")
	}
	if bc.Auth == nil || bc.Auth.Jwt == nil || bc.Auth.Jwt.Secret == "" {
		missing = append(missing, "auth.jwt.secret (ELECTRON_AUTH_SECRET)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
