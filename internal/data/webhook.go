package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"KiroGate/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// AlertLevel grades outgoing pool health notifications.
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// AlertEvent is the webhook payload for a pool health notification.
type AlertEvent struct {
	Key       string     `json:"key"`
	Level     AlertLevel `json:"level"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	ServerID  string     `json:"serverId,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// WebhookService delivers pool health alerts to an external endpoint.
type WebhookService interface {
	Notify(ctx context.Context, event *AlertEvent) error
}

// HTTPWebhookService POSTs alert events as JSON. Redis 去重保证同一告警键
// 30 分钟内最多发送一次；未配置 webhook 地址时仅记录日志。
type HTTPWebhookService struct {
	url      string
	serverID string
	cache    CacheClient
	client   *http.Client
	logger   *log.Helper
}

// NewWebhookService creates the alert webhook delivery service.
func NewWebhookService(ac *conf.Alert, sc *conf.Server, cache CacheClient, logger log.Logger) WebhookService {
	url := ""
	if ac != nil {
		url = ac.WebhookUrl
	}
	serverID := ""
	if sc != nil {
		serverID = sc.Id
	}
	return &HTTPWebhookService{
		url:      url,
		serverID: serverID,
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   log.NewHelper(logger),
	}
}

// Notify sends the event unless the same alert key fired within the dedupe
// window. Delivery failures are logged, not propagated to the monitor loop.
func (s *HTTPWebhookService) Notify(ctx context.Context, event *AlertEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = nowMillis()
	}
	if event.ServerID == "" {
		event.ServerID = s.serverID
	}

	if !s.shouldSend(ctx, event.Key) {
		return nil
	}

	if s.url == "" {
		s.logger.Warnw("msg", "pool alert (no webhook configured)",
			"key", event.Key, "level", string(event.Level), "message", event.Message)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warnw("msg", "alert webhook delivery failed", "key", event.Key, "error", err.Error())
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warnw("msg", "alert webhook rejected", "key", event.Key, "status", resp.StatusCode)
		return nil
	}

	s.logger.Infow("msg", "pool alert delivered", "key", event.Key, "level", string(event.Level))
	return nil
}

// shouldSend checks the Redis dedupe marker. Fails open when Redis is down:
// a duplicate alert is better than a silent outage.
func (s *HTTPWebhookService) shouldSend(ctx context.Context, key string) bool {
	if s.cache == nil {
		return true
	}
	marker := BuildCacheKey(CacheKeyAlert, key)
	var existing int64
	if err := s.cache.Get(ctx, marker, &existing); err == nil {
		return false
	}
	if err := s.cache.Set(ctx, marker, int64(1), TTLAlert); err != nil {
		s.logger.Warnw("msg", "failed to set alert dedupe marker", "key", key, "error", err.Error())
	}
	return true
}
