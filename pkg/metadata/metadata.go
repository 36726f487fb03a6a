// Package metadata 提供账户附加数据的解析与修复工具。
// 账户行携带供应商回报的用量、订阅等描述性字段；核心选择逻辑只关心
// usage.percentUsed，其余字段原样透传。
package metadata

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxUsagePercent 用量百分比上限
const MaxUsagePercent = 100

// AccountUsage 账户用量信息
// current/limit 来源于供应商回报，percentUsed 驱动激活池的 carry-over 排序
type AccountUsage struct {
	Current     float64 `json:"current"`
	Limit       float64 `json:"limit"`
	PercentUsed float64 `json:"percentUsed"`
}

// Margin 返回剩余额度（limit - current）
// 选择过滤器要求 Margin > 5
func (u *AccountUsage) Margin() float64 {
	return u.Limit - u.Current
}

// Repair 对缺失或越界的用量字段做内存修复，返回是否发生修复：
//   - current/limit 为负 → 归零
//   - percentUsed 越界 → 截断到 [0,100]
//   - percentUsed 缺失（为 0 且 current>0）→ 由 current/limit 重算
func (u *AccountUsage) Repair() bool {
	repaired := false

	if u.Current < 0 {
		u.Current = 0
		repaired = true
	}
	if u.Limit < 0 {
		u.Limit = 0
		repaired = true
	}
	if u.PercentUsed < 0 {
		u.PercentUsed = 0
		repaired = true
	}
	if u.PercentUsed > MaxUsagePercent {
		u.PercentUsed = MaxUsagePercent
		repaired = true
	}
	if u.PercentUsed == 0 && u.Current > 0 && u.Limit > 0 {
		u.PercentUsed = u.Current / u.Limit * 100
		if u.PercentUsed > MaxUsagePercent {
			u.PercentUsed = MaxUsagePercent
		}
		repaired = true
	}

	return repaired
}

// ParseUsage 解析用量 JSON；空串返回零值
func ParseUsage(raw string) (*AccountUsage, error) {
	usage := &AccountUsage{}
	if raw == "" {
		return usage, nil
	}
	if err := json.Unmarshal([]byte(raw), usage); err != nil {
		return nil, fmt.Errorf("failed to parse usage JSON: %w", err)
	}
	return usage, nil
}

// FlexMillis 是接受两种时间表示的 JSON 类型：
// 毫秒时间戳数字，或 ISO-8601 字符串（历史客户端格式）。
// 统一归一化为毫秒。
type FlexMillis int64

// UnmarshalJSON 实现 ms 数字 / ISO-8601 / null 的兼容解析
func (m *FlexMillis) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}

	// 数字路径：直接按毫秒读取
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		ms, err := num.Int64()
		if err != nil {
			// 浮点时间戳（如 1700000000000.0）
			f, ferr := num.Float64()
			if ferr != nil {
				return fmt.Errorf("invalid timestamp number %q", num.String())
			}
			*m = FlexMillis(int64(f))
			return nil
		}
		*m = FlexMillis(ms)
		return nil
	}

	// 字符串路径：ISO-8601
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a millisecond number or ISO-8601 string")
	}
	if s == "" {
		*m = 0
		return nil
	}
	ms, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*m = FlexMillis(ms)
	return nil
}

// MarshalJSON 输出毫秒数字
func (m FlexMillis) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(m))
}

// Int64 返回毫秒值
func (m FlexMillis) Int64() int64 {
	return int64(m)
}

// Time 返回对应的 time.Time（零值返回零时间）
func (m FlexMillis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m))
}

// isoLayouts ISO-8601 兼容布局，按常见程度排列
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp 将 ISO-8601 字符串解析为毫秒时间戳
func ParseTimestamp(s string) (int64, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp format: %q", s)
}
