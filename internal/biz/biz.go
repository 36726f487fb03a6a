// Package biz contains the business orchestration layer: account selection,
// token refresh, chat dispatch, admin CRUD and pool health monitoring.
package biz

import (
	"KiroGate/internal/kiro"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	kiro.NewClient,
	NewAccountPool,
	NewTokenRefresher,
	NewChatUsecase,
	NewAdminUsecase,
	NewAuthUsecase,
	NewHealthMonitor,
)
