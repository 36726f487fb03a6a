package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"KiroGate/internal/conf"
	"KiroGate/internal/data"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

type refresherFixture struct {
	refresher *TokenRefresher
	mock      sqlmock.Sqlmock
	cache     data.CacheClient
}

func newTestRefresher(t *testing.T, rc *conf.Refresh) *refresherFixture {
	t.Helper()
	gdb, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)
	cache, _ := newTestCache(t)
	repo := data.NewAccountRepo(gdb, nil, nil, testLogger())
	pool := NewAccountPool(repo, nil, cache, nil, testLogger())
	lock, err := data.NewDistributedLock(gdb, testLogger())
	require.NoError(t, err)

	return &refresherFixture{
		refresher: NewTokenRefresher(repo, pool, lock, cache, nil, rc, testLogger()),
		mock:      mock,
		cache:     cache,
	}
}

func TestNewTokenRefresher_WindowClamped(t *testing.T) {
	f := newTestRefresher(t, &conf.Refresh{Window: durationpb.New(time.Minute)})
	assert.Equal(t, minRefreshWindow, f.refresher.window)

	f = newTestRefresher(t, &conf.Refresh{Window: durationpb.New(2 * time.Hour)})
	assert.Equal(t, maxRefreshWindow, f.refresher.window)

	f = newTestRefresher(t, &conf.Refresh{Window: durationpb.New(20 * time.Minute)})
	assert.Equal(t, 20*time.Minute, f.refresher.window)
}

func TestRefresher_NonLeaderSkips(t *testing.T) {
	f := newTestRefresher(t, &conf.Refresh{WorkerIndex: 2})
	assert.False(t, f.refresher.Enabled())
	// No store expectations: the sweep must not touch anything.
	require.NoError(t, f.refresher.RunOnce(context.Background()))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefresher_DisabledSkips(t *testing.T) {
	f := newTestRefresher(t, &conf.Refresh{Disabled: true})
	assert.False(t, f.refresher.Enabled())
	require.NoError(t, f.refresher.RunOnce(context.Background()))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshOne_SkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newTestRefresher(t, nil)

	// GET_LOCK returning 0 means contention, not failure.
	f.mock.ExpectQuery("SELECT GET_LOCK").
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))

	outcome := f.refresher.refreshOne(context.Background(), poolAccount("a1"))
	assert.Equal(t, refreshSkipped, outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestIsTerminalRefreshError(t *testing.T) {
	assert.True(t, isTerminalRefreshError(errors.New("refresh failed with status 403: Bad credentials")))
	assert.True(t, isTerminalRefreshError(errors.New("BANNED:TEMPORARILY_SUSPENDED")))
	assert.True(t, isTerminalRefreshError(errors.New("oidc error: invalid_grant")))
	assert.False(t, isTerminalRefreshError(errors.New("connection timed out")))
	assert.False(t, isTerminalRefreshError(errors.New("status 500: internal error")))
}

func TestHandleRefreshFailure_RecordsBelowThreshold(t *testing.T) {
	f := newTestRefresher(t, nil)

	// First failure only records the cause; status stays as-is.
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE `accounts`").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.refresher.handleRefreshFailure(context.Background(), poolAccount("a1"),
		errors.New("connection timed out"))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleRefreshFailure_BansAfterTerminalFailures(t *testing.T) {
	f := newTestRefresher(t, nil)
	ctx := context.Background()
	acc := poolAccount("a1")

	// Two failures already counted this window.
	key := data.BuildCacheKey(data.CacheKeyRefreshFail, acc.ID)
	_, err := f.cache.Incr(ctx, key, data.TTLRefreshFail)
	require.NoError(t, err)
	_, err = f.cache.Incr(ctx, key, data.TTLRefreshFail)
	require.NoError(t, err)

	// The third terminal failure flips the account to banned.
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE `accounts`").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.refresher.handleRefreshFailure(ctx, acc,
		errors.New("refresh failed with status 403: Bad credentials"))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleRefreshFailure_GenericFailurePastThresholdStaysActive(t *testing.T) {
	f := newTestRefresher(t, nil)
	ctx := context.Background()
	acc := poolAccount("a1")

	key := data.BuildCacheKey(data.CacheKeyRefreshFail, acc.ID)
	for i := 0; i < 2; i++ {
		_, err := f.cache.Incr(ctx, key, data.TTLRefreshFail)
		require.NoError(t, err)
	}

	// The third generic failure still only records the cause with the
	// status unchanged; escalation is reserved for credential invalidation.
	f.mock.ExpectBegin()
	f.mock.ExpectExec("UPDATE `accounts`").
		WithArgs("status 500: upstream broke", "active", sqlmock.AnyArg(), "a1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	f.refresher.handleRefreshFailure(ctx, acc, errors.New("status 500: upstream broke"))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefresher_GetNextCheckInfo(t *testing.T) {
	f := newTestRefresher(t, &conf.Refresh{Interval: durationpb.New(time.Minute)})

	start := time.Now()
	f.refresher.recordRun(start, 7, 5, 1, 1)

	info := f.refresher.GetNextCheckInfo()
	assert.True(t, info.Enabled)
	assert.True(t, info.Leader)
	assert.True(t, info.IsRunning)
	assert.False(t, info.IsRefreshing)
	assert.Equal(t, 7, info.LastChecked)
	assert.Equal(t, 5, info.LastRefreshed)
	assert.Equal(t, 1, info.LastFailed)
	assert.Equal(t, 1, info.LastSkipped)
	assert.Equal(t, 1, info.RetryQueueSize)
	assert.Equal(t, start, info.LastCheckTime)
	assert.Equal(t, start.Add(time.Minute), info.NextCheckTime)
	assert.Equal(t, int64(60_000), info.CheckInterval)
	assert.Greater(t, info.TimeUntilNextCheck, int64(0))
	assert.LessOrEqual(t, info.TimeUntilNextCheck, int64(60_000))
}

func TestRefresher_GetNextCheckInfo_NonLeader(t *testing.T) {
	f := newTestRefresher(t, &conf.Refresh{WorkerIndex: 1})

	info := f.refresher.GetNextCheckInfo()
	assert.True(t, info.Enabled)
	assert.False(t, info.Leader)
	assert.False(t, info.IsRunning)
	assert.Zero(t, info.TimeUntilNextCheck)
}
