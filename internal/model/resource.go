package model

import "encoding/json"

// Group scopes accounts behind a dedicated API key. An account belongs to at
// most one group; a nil APIKey means the group is reachable only through the
// default key.
type Group struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	APIKey      *string `json:"apiKey,omitempty"`
	Color       string  `json:"color,omitempty"`
	Order       int32   `json:"order,omitempty"`
	Description string  `json:"description,omitempty"`
	Version     int64   `json:"version"`
	UpdatedAt   int64   `json:"updatedAt"`
}

// Tag is a free-form label attached to accounts.
type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SettingType is the declared type of a setting value.
type SettingType string

// Setting value types.
const (
	SettingString  SettingType = "string"
	SettingNumber  SettingType = "number"
	SettingBoolean SettingType = "boolean"
	SettingJSON    SettingType = "json"
)

// Setting is a typed key/value pair under optimistic versioning.
type Setting struct {
	Key       string          `json:"key"`
	Type      SettingType     `json:"type"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updatedAt"`
}

// MachineIDBinding maps an account to its current machine id.
type MachineIDBinding struct {
	AccountID string `json:"accountId"`
	MachineID string `json:"machineId"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MachineIDHistoryEntry is an append-only record of machine id changes.
type MachineIDHistoryEntry struct {
	ID        int64  `json:"id"`
	AccountID string `json:"accountId"`
	MachineID string `json:"machineId"`
	ChangedAt int64  `json:"changedAt"`
}

// PoolCursor is the persisted round-robin position for a group key.
// GroupKey "__global__" indexes the all-accounts cursor.
type PoolCursor struct {
	GroupKey     string `json:"groupKey"`
	CurrentIndex int32  `json:"currentIndex"`
	AccountCount int32  `json:"accountCount"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// GlobalCursorKey is the group key of the all-accounts round-robin cursor.
const GlobalCursorKey = "__global__"
