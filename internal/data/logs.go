package data

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// RequestLogRow is the GORM model for the append-only api_request_logs table.
type RequestLogRow struct {
	ID               int64  `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID        string `gorm:"column:request_id;size:64;index"`
	GroupID          string `gorm:"column:group_id;size:64"`
	AccountID        string `gorm:"column:account_id;size:64;index"`
	Model            string `gorm:"column:model;size:64"`
	Path             string `gorm:"column:path;size:128"`
	Streamed         bool   `gorm:"column:streamed"`
	Status           int    `gorm:"column:status"`
	LatencyMs        int64  `gorm:"column:latency_ms"`
	PromptTokens     int64  `gorm:"column:prompt_tokens"`
	CompletionTokens int64  `gorm:"column:completion_tokens"`
	Error            string `gorm:"column:error;type:text"`
	CreatedAt        int64  `gorm:"column:created_at;not null;index"`
}

// TableName specifies the table name for GORM.
func (RequestLogRow) TableName() string {
	return "api_request_logs"
}

// SystemLogRow is the GORM model for the append-only system_logs table.
type SystemLogRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement;column:id"`
	Category  string `gorm:"column:category;size:32;index"` // pool | refresher | alert | sync
	Level     string `gorm:"column:level;size:16"`
	Message   string `gorm:"column:message;type:text"`
	Details   string `gorm:"column:details;type:json"`
	CreatedAt int64  `gorm:"column:created_at;not null;index"`
}

// TableName specifies the table name for GORM.
func (SystemLogRow) TableName() string {
	return "system_logs"
}

// Log write-through tuning. Writes are best-effort and never delay the
// response path.
const (
	logBufferSize    = 2048
	logFlushBatch    = 100
	logFlushInterval = time.Second
	// LogRetention is the cleanup horizon for both log tables.
	LogRetention = 24 * time.Hour
)

// LogRepo 以异步批量的方式落库请求日志与系统日志：
// 写入先进有界通道，后台任务按批量/间隔双触发刷盘；通道满时丢弃并计数。
type LogRepo struct {
	db      *gorm.DB
	pool    pond.Pool
	entries chan interface{}
	done    chan struct{}
	logger  *log.Helper
}

// NewLogRepo creates the async log repository and starts its flusher.
func NewLogRepo(db *gorm.DB, logger log.Logger) (*LogRepo, func()) {
	r := &LogRepo{
		db:      db,
		pool:    pond.NewPool(4),
		entries: make(chan interface{}, logBufferSize),
		done:    make(chan struct{}),
		logger:  log.NewHelper(logger),
	}
	go r.flushLoop()

	cleanup := func() {
		close(r.done)
		r.pool.StopAndWait()
	}
	return r, cleanup
}

// WriteRequestLog enqueues a request log entry. Non-blocking; drops when the
// buffer is full.
func (r *LogRepo) WriteRequestLog(entry *RequestLogRow) {
	entry.CreatedAt = nowMillis()
	select {
	case r.entries <- entry:
	default:
		r.logger.Warn("request log buffer full, entry dropped")
	}
}

// WriteSystemLog enqueues a system log entry. Non-blocking.
func (r *LogRepo) WriteSystemLog(category, level, message, detailsJSON string) {
	entry := &SystemLogRow{
		Category:  category,
		Level:     level,
		Message:   message,
		Details:   detailsJSON,
		CreatedAt: nowMillis(),
	}
	select {
	case r.entries <- entry:
	default:
		r.logger.Warn("system log buffer full, entry dropped")
	}
}

func (r *LogRepo) flushLoop() {
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	var requests []*RequestLogRow
	var systems []*SystemLogRow

	flush := func() {
		if len(requests) > 0 {
			batch := requests
			requests = nil
			r.pool.Submit(func() { r.insertRequestBatch(batch) })
		}
		if len(systems) > 0 {
			batch := systems
			systems = nil
			r.pool.Submit(func() { r.insertSystemBatch(batch) })
		}
	}

	for {
		select {
		case entry := <-r.entries:
			switch e := entry.(type) {
			case *RequestLogRow:
				requests = append(requests, e)
			case *SystemLogRow:
				systems = append(systems, e)
			}
			if len(requests)+len(systems) >= logFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			flush()
			return
		}
	}
}

func (r *LogRepo) insertRequestBatch(batch []*RequestLogRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).CreateInBatches(batch, logFlushBatch).Error; err != nil {
		r.logger.Warnw("msg", "failed to write request log batch", "count", len(batch), "error", err.Error())
	}
}

func (r *LogRepo) insertSystemBatch(batch []*SystemLogRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).CreateInBatches(batch, logFlushBatch).Error; err != nil {
		r.logger.Warnw("msg", "failed to write system log batch", "count", len(batch), "error", err.Error())
	}
}

// CleanupOlderThan prunes both log tables; the hourly cron passes
// LogRetention. Returns total rows removed.
func (r *LogRepo) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	horizon := nowMillis() - retention.Milliseconds()

	var total int64
	result := r.db.WithContext(ctx).Where("created_at < ?", horizon).Delete(&RequestLogRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	total += result.RowsAffected

	result = r.db.WithContext(ctx).Where("created_at < ?", horizon).Delete(&SystemLogRow{})
	if result.Error != nil {
		return total, result.Error
	}
	total += result.RowsAffected

	if total > 0 {
		r.logger.Infow("msg", "log tables pruned", "rows", total)
	}
	return total, nil
}
