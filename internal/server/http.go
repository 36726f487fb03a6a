package server

import (
	"KiroGate/internal/conf"
	"KiroGate/internal/server/middleware"
	"KiroGate/internal/service"

	"KiroGate/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer)

// NewHTTPServer 注册全部 HTTP 路由。聊天面走 Bearer SK 认证，
// 管理面走 JWT 会话，健康检查与 /metrics 不做认证。
//
// Handlers are raw kratos routes rather than generated proto bindings so the
// chat surfaces can stream SSE through the underlying http.Flusher.
func NewHTTPServer(
	c *conf.Server,
	openai *service.OpenAIService,
	claude *service.ClaudeService,
	admin *service.AdminService,
	authSvc *service.AuthService,
	health *service.HealthService,
	auth *biz.AuthUsecase,
	logger log.Logger,
) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	requestLog := middleware.RequestLog(logger)
	apiKeyAuth := middleware.APIKeyAuth(auth, logger)
	webAuth := middleware.WebAuth(auth, logger)

	// Chat surfaces: OpenAI and Claude compatible, Bearer SK authenticated.
	v1 := srv.Route("/v1", requestLog, apiKeyAuth)
	v1.POST("/chat/completions", openai.ChatCompletions)
	v1.GET("/models", openai.Models)
	v1.GET("/models/{model}", openai.ModelByID)
	v1.GET("/pool/status", openai.PoolStatus)
	v1.POST("/pool/status", openai.PoolStatus)
	v1.POST("/pool/refresh", openai.PoolRefresh)
	v1.POST("/messages", claude.Messages)
	v1.POST("/messages/count_tokens", claude.CountTokens)

	// Web login does not require a session yet.
	authGroup := srv.Route("/api/auth", requestLog)
	authGroup.POST("/login", authSvc.Login)
	authGroup.POST("/logout", authSvc.Logout)
	authGroup.GET("/check", authSvc.Check)

	// Admin API: JWT session required.
	api := srv.Route("/api", requestLog, webAuth)
	api.GET("/v2/accounts", admin.ListAccounts)
	api.POST("/v2/accounts", admin.CreateAccount)
	api.POST("/v2/accounts/batch", admin.Batch)
	api.GET("/v2/accounts/{id}", admin.GetAccount)
	api.PUT("/v2/accounts/{id}", admin.UpdateAccount)
	api.DELETE("/v2/accounts/{id}", admin.DeleteAccount)
	api.POST("/v2/accounts/{id}/refresh", admin.RefreshAccount)
	api.GET("/v2/accounts/{id}/machine-id", admin.GetMachineID)
	api.PUT("/v2/accounts/{id}/machine-id", admin.BindMachineID)
	api.GET("/v2/accounts/{id}/machine-id/history", admin.MachineIDHistory)
	api.GET("/v2/groups", admin.ListGroups)
	api.POST("/v2/groups", admin.CreateGroup)
	api.PUT("/v2/groups/{id}", admin.UpdateGroup)
	api.DELETE("/v2/groups/{id}", admin.DeleteGroup)
	api.GET("/v2/tags", admin.ListTags)
	api.POST("/v2/tags", admin.CreateTag)
	api.PUT("/v2/tags/{id}", admin.UpdateTag)
	api.DELETE("/v2/tags/{id}", admin.DeleteTag)
	api.GET("/v2/settings", admin.ListSettings)
	api.GET("/v2/settings/{key}", admin.GetSetting)
	api.PUT("/v2/settings/{key}", admin.UpsertSetting)
	api.DELETE("/v2/settings/{key}", admin.DeleteSetting)
	api.GET("/v2/sync/changes", admin.SyncChanges)
	api.POST("/data", admin.LegacySync)
	api.GET("/health", health.Health)
	api.GET("/health/detailed", health.DetailedHealth)

	srv.Handle("/metrics", promhttp.Handler())

	return srv
}
