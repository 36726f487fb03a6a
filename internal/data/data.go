// Package data provides data access layer implementations.
// It handles database connections and data persistence.
package data

import (
	"KiroGate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewMySQLClient,
	NewRedisClient,
	NewCacheClient,
	NewDistributedLock,
	NewAccountRepo,
	NewGroupRepo,
	NewTagRepo,
	NewSettingRepo,
	NewCursorRepo,
	NewMachineIDRepo,
	NewLogRepo,
	NewRateLimitRepo,
	NewWebhookService,
)

// Data bundles the shared data layer handles.
type Data struct {
	db    *gorm.DB
	redis *redis.Client
	cache CacheClient
}

// NewData assembles the data layer. Redis being down does not prevent
// startup: repositories degrade to database-only paths.
func NewData(_ *conf.Data, logger log.Logger, db *gorm.DB, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, caching will be unavailable")
	}

	d := &Data{
		db:    db,
		redis: rdb,
		cache: cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// MySQL and Redis connections are closed by their own wire cleanups.
	}

	return d, cleanup, nil
}

// DB returns the shared GORM handle.
func (d *Data) DB() *gorm.DB {
	return d.db
}

// Cache returns the cache client for repository use.
func (d *Data) Cache() CacheClient {
	return d.cache
}

// Redis returns the raw client for advanced operations.
func (d *Data) Redis() *redis.Client {
	return d.redis
}
