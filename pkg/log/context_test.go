package log

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequestID_Format(t *testing.T) {
	re := regexp.MustCompile(`^req_(\d{13,})_([0-9a-z]{9})$`)

	before := time.Now().UnixMilli()
	id := GenerateRequestID()
	after := time.Now().UnixMilli()

	m := re.FindStringSubmatch(id)
	require.NotNil(t, m, "request id %q does not match req_<ms>_<rand>", id)

	ms, err := strconv.ParseInt(m[1], 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ms, before)
	assert.LessOrEqual(t, ms, after)
}

func TestGenerateRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRequestID()
		assert.False(t, seen[id], "duplicate request id: %s", id)
		seen[id] = true
	}
}

func TestRequestContext_RoundTrip(t *testing.T) {
	ctx := WithRequestContext(context.Background(), "req_1_abc", "default", "", "acc-1")

	assert.Equal(t, "req_1_abc", GetRequestID(ctx))
	assert.Equal(t, "default", GetKeyName(ctx))
	assert.Equal(t, "", GetGroupID(ctx))
	assert.Equal(t, "acc-1", GetAccountID(ctx))

	SetAccountID(ctx, "acc-2")
	assert.Equal(t, "acc-2", GetAccountID(ctx))

	SetMetadata(ctx, "model", "claude-sonnet-4-5")
	v, ok := GetMetadata(ctx, "model")
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet-4-5", v)
}

func TestGetRequestContext_Missing(t *testing.T) {
	reqCtx := GetRequestContext(context.Background())
	require.NotNil(t, reqCtx)
	assert.Equal(t, "unknown", reqCtx.RequestID)

	reqCtx = GetRequestContext(nil) //nolint:staticcheck
	require.NotNil(t, reqCtx)
	assert.True(t, strings.HasPrefix(reqCtx.RequestID, "unknown"))
}
