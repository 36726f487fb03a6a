package metadata

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountUsage_Margin(t *testing.T) {
	u := &AccountUsage{Current: 42, Limit: 100}
	assert.Equal(t, float64(58), u.Margin())
}

func TestAccountUsage_Repair(t *testing.T) {
	tests := []struct {
		name         string
		in           AccountUsage
		want         AccountUsage
		wantRepaired bool
	}{
		{
			name:         "healthy row untouched",
			in:           AccountUsage{Current: 10, Limit: 100, PercentUsed: 10},
			want:         AccountUsage{Current: 10, Limit: 100, PercentUsed: 10},
			wantRepaired: false,
		},
		{
			name:         "negative counters zeroed",
			in:           AccountUsage{Current: -5, Limit: -1, PercentUsed: 0},
			want:         AccountUsage{Current: 0, Limit: 0, PercentUsed: 0},
			wantRepaired: true,
		},
		{
			name:         "percent clamped to 100",
			in:           AccountUsage{Current: 200, Limit: 100, PercentUsed: 200},
			want:         AccountUsage{Current: 200, Limit: 100, PercentUsed: 100},
			wantRepaired: true,
		},
		{
			name:         "percent recomputed from current and limit",
			in:           AccountUsage{Current: 25, Limit: 100, PercentUsed: 0},
			want:         AccountUsage{Current: 25, Limit: 100, PercentUsed: 25},
			wantRepaired: true,
		},
		{
			name:         "negative percent clamped to 0 then recomputed",
			in:           AccountUsage{Current: 50, Limit: 100, PercentUsed: -3},
			want:         AccountUsage{Current: 50, Limit: 100, PercentUsed: 50},
			wantRepaired: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := tt.in
			repaired := u.Repair()
			assert.Equal(t, tt.wantRepaired, repaired)
			assert.Equal(t, tt.want, u)
		})
	}
}

func TestParseUsage(t *testing.T) {
	u, err := ParseUsage(`{"current": 3, "limit": 50, "percentUsed": 6}`)
	require.NoError(t, err)
	assert.Equal(t, float64(3), u.Current)
	assert.Equal(t, float64(50), u.Limit)
	assert.Equal(t, float64(6), u.PercentUsed)

	u, err = ParseUsage("")
	require.NoError(t, err)
	assert.Equal(t, &AccountUsage{}, u)

	_, err = ParseUsage("{invalid")
	assert.Error(t, err)
}

func TestFlexMillis_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "millisecond number", input: `1735632000123`, want: 1735632000123},
		{name: "float millisecond number", input: `1735632000123.0`, want: 1735632000123},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{
			name:  "rfc3339 string",
			input: `"2025-01-01T00:00:00Z"`,
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
		{
			name:  "date only string",
			input: `"2025-01-01"`,
			want:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		},
		{name: "garbage string", input: `"yesterday"`, wantErr: true},
		{name: "wrong type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m FlexMillis
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Int64())
		})
	}
}

func TestFlexMillis_MarshalJSON(t *testing.T) {
	m := FlexMillis(1735632000123)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, "1735632000123", string(out))
}

func TestFlexMillis_Time(t *testing.T) {
	assert.True(t, FlexMillis(0).Time().IsZero())

	ms := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, ms, FlexMillis(ms).Time().UnixMilli())
}
