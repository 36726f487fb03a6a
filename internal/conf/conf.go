package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration assembled by NewBootstrap.
type Bootstrap struct {
	Server  *Server
	Data    *Data
	Auth    *Auth
	Pool    *Pool
	Refresh *Refresh
	Vendor  *Vendor
	Alert   *Alert
	Sync    *Sync
	Log     *Log
}

// Server holds inbound transport configuration.
type Server struct {
	Id      string
	Version string
	// Workers is the advertised cluster size; informational only, the
	// refresher leader gate keys off Refresh.WorkerIndex.
	Workers int32
	Http    *Server_HTTP
}

// Server_HTTP configures the HTTP listener.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds storage backends.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database configures the relational store.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis configures the Redis cache.
type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Auth holds inbound authentication configuration.
type Auth struct {
	// DefaultApiKey grants access to every account (no group scope).
	DefaultApiKey string
	// WebLoginPassword enables POST /api/auth/login; empty disables it.
	WebLoginPassword string
	Jwt              *Auth_JWT
	Encryption       *Auth_Encryption
}

// Auth_JWT configures the web session cookie.
type Auth_JWT struct {
	Secret  string
	Expires *durationpb.Duration
}

// Auth_Encryption configures credential encryption at rest.
// An empty key disables encryption (plaintext pass-through).
type Auth_Encryption struct {
	Key string
}

// Pool configures account selection.
type Pool struct {
	ActiveEnabled     bool
	ActiveLimit       int32
	ErrorThreshold    int32
	CoolingPeriod     *durationpb.Duration
	CacheTtl          *durationpb.Duration
	MaxAccountRetries int32
	MaxClaudeRetries  int32
}

// Refresh configures the token refresher loop.
type Refresh struct {
	Disabled    bool
	WorkerIndex int32
	Interval    *durationpb.Duration
	Window      *durationpb.Duration
	LockTimeout *durationpb.Duration
	Concurrency int32
}

// Vendor configures outbound calls to the Kiro endpoints.
type Vendor struct {
	// DefaultHeaderVersion applies when the account and its IDP give none.
	DefaultHeaderVersion int32
	// Per-IDP header version overrides; 0 means "use the built-in default".
	HeaderVersionAwsIdc    int32
	HeaderVersionBuilderId int32
	HeaderVersionGithub    int32
	HeaderVersionGoogle    int32
	ProfileArn             string
	// ProxyUrl routes vendor chat and refresh HTTP through a proxy
	// (socks5:// or http(s)://); empty means direct.
	ProxyUrl       string
	RequestTimeout *durationpb.Duration
}

// Alert configures the pool health monitor thresholds.
type Alert struct {
	WebhookUrl               string
	MinAvailableAccounts     int32
	WarningAvailableAccounts int32
	// MaxErrorAccountRate is the critical tier; warning fires at 0.6x of it.
	MaxErrorAccountRate     float64
	MaxDbConnectionFailures int32
}

// Sync configures bulk sync and its hard-delete guards.
type Sync struct {
	MaxDeleteAccounts int32
	DeleteRateWindow  *durationpb.Duration
}

// Log configures the zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
