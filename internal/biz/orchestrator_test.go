package biz

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"
	"KiroGate/internal/kiro"
	"KiroGate/internal/model"
	pkgerrors "KiroGate/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTextTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTextTokens(""))
	assert.Equal(t, int64(1), EstimateTextTokens("abcd"))
	assert.Equal(t, int64(2), EstimateTextTokens("abcde"))
	assert.Equal(t, int64(3), EstimateTextTokens("twelve chars"))
}

func TestEstimateMessagesTokens(t *testing.T) {
	messages := []model.Message{
		{Role: "user", Content: []model.ContentBlock{
			model.TextBlock("abcdefgh"), // 2
			{Type: model.BlockImage, Image: &model.ImageSource{Kind: model.ImageSourceBase64, Data: "AAAA"}},
		}},
	}
	opts := &kiro.ChatOptions{
		System: "abcd", // 1
		Tools: []model.ToolSpec{
			{Name: "abcd", Description: "abcd", InputSchema: json.RawMessage(`{"a":1}`)}, // 1+1+2
		},
	}

	total := EstimateMessagesTokens(messages, opts)
	assert.Equal(t, int64(2+tokensPerImage+1+1+1+2), total)
}

func TestAttemptBudget(t *testing.T) {
	pool, _ := newMemPool(t, nil)
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	assert.Equal(t, defaultOpenAIRetries, uc.attemptBudget(&ChatRequest{Surface: SurfaceOpenAI}))
	assert.Equal(t, defaultClaudeRetries, uc.attemptBudget(&ChatRequest{Surface: SurfaceClaude}))
	// An explicit pin never rotates.
	assert.Equal(t, 1, uc.attemptBudget(&ChatRequest{Surface: SurfaceOpenAI, AccountID: "a1"}))

	uc = NewChatUsecase(pool, nil, &conf.Pool{MaxAccountRetries: 2, MaxClaudeRetries: 3}, testLogger())
	assert.Equal(t, 2, uc.attemptBudget(&ChatRequest{Surface: SurfaceOpenAI}))
	assert.Equal(t, 3, uc.attemptBudget(&ChatRequest{Surface: SurfaceClaude}))
}

func TestPickAccount_ExplicitPinWrongGroup(t *testing.T) {
	gdb, mock := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	rows := sqlmock.NewRows([]string{"id", "email", "idp", "status", "group_id", "version"}).
		AddRow("a1", "a1@example.com", "Github", "active", "other-group", 1)
	mock.ExpectQuery("SELECT \\* FROM `accounts`").WillReturnRows(rows)

	callerGroup := "my-group"
	_, err := uc.pickAccount(context.Background(), &ChatRequest{
		AccountID: "a1",
		GroupID:   &callerGroup,
	}, map[string]bool{})

	require.Error(t, err)
	apiErr, ok := pkgerrors.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.TypeForbidden, apiErr.Type)
}

func TestPickAccount_ExplicitPinMatchingGroup(t *testing.T) {
	gdb, mock := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	rows := sqlmock.NewRows([]string{"id", "email", "idp", "status", "group_id", "version"}).
		AddRow("a1", "a1@example.com", "Github", "active", "my-group", 1)
	mock.ExpectQuery("SELECT \\* FROM `accounts`").WillReturnRows(rows)

	callerGroup := "my-group"
	acc, err := uc.pickAccount(context.Background(), &ChatRequest{
		AccountID: "a1",
		GroupID:   &callerGroup,
	}, map[string]bool{})

	require.NoError(t, err)
	assert.Equal(t, "a1", acc.ID)
}

func TestSettleAccount_ValidationIsFatal(t *testing.T) {
	pool, _ := newMemPool(t, nil)
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		pkgerrors.NewValidationError("bad payload"))
	assert.Equal(t, dispositionFatal, d)
}

func TestSettleAccount_RateLimitCountsInActivePool(t *testing.T) {
	pool, _ := newMemPool(t, &conf.Pool{ActiveEnabled: true, ErrorThreshold: 5})
	pool.active["a1"] = &activeEntry{Account: poolAccount("a1")}
	pool.activeOrder = []string{"a1"}
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		&kiro.UpstreamError{StatusCode: 429, Body: "slow down"})

	assert.Equal(t, dispositionRetryable, d)
	assert.Equal(t, int32(1), pool.active["a1"].ErrorCount)
}

func TestSettleAccount_QuotaExhausted(t *testing.T) {
	gdb, mock := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `accounts`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		&kiro.UpstreamError{StatusCode: 402, Body: "You have reached your usage limit"})

	assert.Equal(t, dispositionQuota, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleAccount_PaymentRequiredWithoutPattern(t *testing.T) {
	gdb, mock := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `accounts`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// A bare 402 counts as quota even when the body has no known fragment.
	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		&kiro.UpstreamError{StatusCode: 402, Body: `{"message":"Payment required"}`})

	assert.Equal(t, dispositionQuota, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleAccount_BanPattern(t *testing.T) {
	gdb, mock := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `accounts`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		&kiro.UpstreamError{StatusCode: 403, Body: "BANNED:TEMPORARILY_SUSPENDED"})

	assert.Equal(t, dispositionBanned, d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleAccount_ServerErrorDoesNotPunish(t *testing.T) {
	pool, _ := newMemPool(t, nil)
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	d := uc.settleAccount(context.Background(), poolAccount("a1"),
		&kiro.UpstreamError{StatusCode: 500, Body: "internal"})
	assert.Equal(t, dispositionRetryable, d)
}

func TestFinalError_Mapping(t *testing.T) {
	pool, _ := newMemPool(t, nil)
	uc := NewChatUsecase(pool, nil, nil, testLogger())

	cases := []struct {
		name string
		in   error
		want pkgerrors.APIErrorType
	}{
		{"quota", &kiro.UpstreamError{StatusCode: 402, Body: "usage limit reached"}, pkgerrors.TypeQuotaExhausted},
		{"payment_required_plain_body", &kiro.UpstreamError{StatusCode: 402, Body: `{"message":"Payment required"}`}, pkgerrors.TypeQuotaExhausted},
		{"ban", &kiro.UpstreamError{StatusCode: 403, Body: "account BANNED"}, pkgerrors.TypeAccountBanned},
		{"rate", &kiro.UpstreamError{StatusCode: 429, Body: "too many"}, pkgerrors.TypeRateLimited},
		{"other", &kiro.UpstreamError{StatusCode: 500, Body: "oops"}, pkgerrors.TypeUpstreamUnavailable},
		{"transport", errors.New("connection reset"), pkgerrors.TypeUpstreamUnavailable},
		{"nil", nil, pkgerrors.TypeNoAvailableAccounts},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := uc.finalError(tc.in)
			apiErr, ok := pkgerrors.AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tc.want, apiErr.Type)
		})
	}

	// An already-mapped error passes through unchanged.
	orig := pkgerrors.NewForbiddenError("nope")
	assert.Same(t, orig, uc.finalError(orig).(*pkgerrors.APIError))
}

// fakeVendor serves canned event streams per account id.
type fakeVendor struct {
	streams map[string][]model.StreamEvent
	calls   []string
}

func (f *fakeVendor) CallAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *kiro.ChatOptions) (*kiro.Response, *model.RefreshedTokens, error) {
	return nil, nil, errors.New("not wired in this test")
}

func (f *fakeVendor) StreamAPI(ctx context.Context, acc *model.Account, messages []model.Message, opts *kiro.ChatOptions) (<-chan model.StreamEvent, error) {
	f.calls = append(f.calls, acc.ID)
	events := f.streams[acc.ID]
	ch := make(chan model.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newStreamUsecase(t *testing.T, fake *fakeVendor, pc *conf.Pool) *ChatUsecase {
	t.Helper()
	gdb, _ := newMockDB(t)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, &conf.Pool{ActiveEnabled: true, ErrorThreshold: 5}, testLogger())
	for _, id := range []string{"a1", "a2"} {
		pool.active[id] = &activeEntry{Account: poolAccount(id)}
		pool.activeOrder = append(pool.activeOrder, id)
	}
	seedSnapshot(t, cache, []*model.Account{poolAccount("a1"), poolAccount("a2")})

	uc := NewChatUsecase(pool, nil, pc, testLogger())
	uc.client = fake
	return uc
}

func streamRequest() *ChatRequest {
	return &ChatRequest{
		Surface:  SurfaceOpenAI,
		Messages: []model.Message{{Role: "user", Content: []model.ContentBlock{model.TextBlock("hi")}}},
		Options:  &kiro.ChatOptions{Model: "claude-sonnet-4-5"},
	}
}

func TestStream_SwitchesAccountMidStream(t *testing.T) {
	fake := &fakeVendor{streams: map[string][]model.StreamEvent{
		"a1": {
			{Type: model.EventContent, Text: "hello"},
			{Err: &kiro.UpstreamError{StatusCode: 403, Body: "upstream hiccup"}},
		},
		"a2": {
			{Type: model.EventContent, Text: " world"},
		},
	}}
	uc := newStreamUsecase(t, fake, &conf.Pool{MaxAccountRetries: 3})

	events, err := uc.Stream(context.Background(), streamRequest())
	require.NoError(t, err)

	var texts []string
	for ev := range events {
		require.NoError(t, ev.Err)
		texts = append(texts, ev.Text)
	}

	// The replacement replays the request, so the caller keeps receiving
	// content instead of the first account's error.
	assert.Equal(t, []string{"hello", " world"}, texts)
	assert.Equal(t, []string{"a1", "a2"}, fake.calls)
}

func TestStream_BudgetExhaustedSurfacesError(t *testing.T) {
	fake := &fakeVendor{streams: map[string][]model.StreamEvent{
		"a1": {
			{Type: model.EventContent, Text: "partial"},
			{Err: &kiro.UpstreamError{StatusCode: 500, Body: "upstream broke"}},
		},
	}}
	uc := newStreamUsecase(t, fake, &conf.Pool{MaxAccountRetries: 1})

	events, err := uc.Stream(context.Background(), streamRequest())
	require.NoError(t, err)

	var texts []string
	var streamErr error
	for ev := range events {
		if ev.Err != nil {
			streamErr = ev.Err
			continue
		}
		texts = append(texts, ev.Text)
	}

	assert.Equal(t, []string{"partial"}, texts)
	require.Error(t, streamErr)
	apiErr, ok := pkgerrors.AsAPIError(streamErr)
	require.True(t, ok)
	assert.Equal(t, pkgerrors.TypeUpstreamUnavailable, apiErr.Type)
	assert.Equal(t, []string{"a1"}, fake.calls)
}
