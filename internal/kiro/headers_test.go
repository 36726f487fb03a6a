package kiro

import (
	"encoding/hex"
	"net/http"
	"strings"
	"testing"

	"KiroGate/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURLWithRegion(t *testing.T) {
	acc := &model.Account{Credentials: model.Credentials{Region: "eu-west-1"}}
	acc.Header.Version = 1
	assert.Equal(t, "https://codewhisperer.eu-west-1.amazonaws.com/generateAssistantResponse", EndpointURL(acc))

	acc.Header.Version = 2
	assert.Equal(t, "https://q.eu-west-1.amazonaws.com/generateAssistantResponse", EndpointURL(acc))
}

func TestApplyHeaders_UsesStoredFingerprint(t *testing.T) {
	acc := &model.Account{Header: model.HeaderParams{
		Version:         2,
		AmzInvocationID: "11111111-2222-3333-4444-555555555555",
		KiroDeviceHash:  strings.Repeat("ab", 32),
	}}

	h := http.Header{}
	applyHeaders(h, acc, "tok")

	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", h.Get("amz-sdk-invocation-id"))
	assert.Contains(t, h.Get("x-amz-user-agent"), strings.Repeat("ab", 32))
	assert.Equal(t, "vibe", h.Get("x-amzn-kiro-agent-mode"))
}

func TestApplyHeaders_FallbackDeviceHashIsHex(t *testing.T) {
	acc := &model.Account{Header: model.HeaderParams{Version: 1}}

	h := http.Header{}
	applyHeaders(h, acc, "tok")

	// The device hash is the trailing token of the outbound user agent and
	// must match the stored fingerprint shape, 64 hex chars.
	ua := h.Get("x-amz-user-agent")
	hash := ua[strings.LastIndex(ua, "-")+1:]
	require.Len(t, hash, 64)
	_, err := hex.DecodeString(hash)
	assert.NoError(t, err)
}

func TestFallbackDeviceHash(t *testing.T) {
	one := fallbackDeviceHash()
	two := fallbackDeviceHash()

	require.Len(t, one, 64)
	_, err := hex.DecodeString(one)
	require.NoError(t, err)
	assert.NotEqual(t, one, two)
}
