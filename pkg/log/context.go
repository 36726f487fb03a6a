package log

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// contextKey 是用于存储 RequestContext 的私有 key 类型
type contextKey string

const requestContextKey contextKey = "kirogate_request_context"

// RequestContext 存储请求追踪信息
// 通过 Context 传递，实现跨函数、跨模块的请求追踪
type RequestContext struct {
	RequestID string                 // 唯一请求 ID（req_<毫秒时间戳>_<随机后缀>）
	KeyName   string                 // API Key 名称（default / group）
	GroupID   string                 // 授权分组 ID（空 = 全部账户）
	AccountID string                 // 服务本次请求的账户 ID
	StartTime time.Time              // 请求开始时间
	Metadata  map[string]interface{} // 扩展元数据
}

var (
	randSource = rand.NewSource(time.Now().UnixNano())
	randMutex  sync.Mutex
	// base36 字符集（小写字母 + 数字）
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID 生成请求 ID
// 格式: req_<毫秒时间戳>_<9位随机base36>，例如 req_1735632000123_mgrn0zfqd
// 错误响应和日志共用该 ID，便于按时间段检索
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 9)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), string(b))
}

// WithRequestContext 将 RequestContext 注入到 Context 中
// 通常在中间件中调用，为整个请求生命周期提供追踪信息
func WithRequestContext(ctx context.Context, requestID, keyName, groupID, accountID string) context.Context {
	reqCtx := &RequestContext{
		RequestID: requestID,
		KeyName:   keyName,
		GroupID:   groupID,
		AccountID: accountID,
		StartTime: time.Now(),
		Metadata:  make(map[string]interface{}),
	}
	return context.WithValue(ctx, requestContextKey, reqCtx)
}

// GetRequestContext 从 Context 中提取 RequestContext
// 如果不存在，返回一个默认的空 RequestContext
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx == nil {
		return &RequestContext{
			RequestID: "unknown",
			Metadata:  make(map[string]interface{}),
		}
	}

	if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
		return reqCtx
	}

	// 返回默认值，避免 nil 检查
	return &RequestContext{
		RequestID: "unknown",
		Metadata:  make(map[string]interface{}),
	}
}

// GetRequestID 从 Context 中提取 Request ID
// 便捷方法，避免调用者需要处理 RequestContext 结构
func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

// GetKeyName 从 Context 中提取 Key Name
func GetKeyName(ctx context.Context) string {
	return GetRequestContext(ctx).KeyName
}

// GetGroupID 从 Context 中提取授权分组 ID
func GetGroupID(ctx context.Context) string {
	return GetRequestContext(ctx).GroupID
}

// GetAccountID 从 Context 中提取 Account ID
func GetAccountID(ctx context.Context) string {
	return GetRequestContext(ctx).AccountID
}

// SetAccountID 记录服务本次请求的账户
// 账户在编排器选中后才可知，因此允许后置写入
func SetAccountID(ctx context.Context, accountID string) {
	reqCtx := GetRequestContext(ctx)
	reqCtx.AccountID = accountID
}

// SetMetadata 设置 RequestContext 的元数据
// 用于在请求处理过程中添加额外的追踪信息
func SetMetadata(ctx context.Context, key string, value interface{}) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		reqCtx.Metadata = make(map[string]interface{})
	}
	reqCtx.Metadata[key] = value
}

// GetMetadata 获取 RequestContext 的元数据
func GetMetadata(ctx context.Context, key string) (interface{}, bool) {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.Metadata == nil {
		return nil, false
	}
	value, ok := reqCtx.Metadata[key]
	return value, ok
}

// GetElapsedTime 获取请求已执行时间（毫秒）
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
