package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homewatch/netguard/internal/model"
)

func closedSession(id string, hardwareAddr string, startedAt time.Time) model.UsageSession {
	endedAt := startedAt.Add(time.Hour)
	return model.UsageSession{
		ID:           id,
		HardwareAddr: hardwareAddr,
		StartedAt:    startedAt,
		EndedAt:      &endedAt,
		BytesSent:    100,
	}
}

func TestRecordAndQueryUsageSessions(t *testing.T) {
	historyStore := NewMemoryStore(100, 0)
	ctx := context.Background()
	baseTime := time.Now()

	require.NoError(t, historyStore.RecordUsageSession(ctx, closedSession("ses-1", "aa:bb", baseTime)))
	require.NoError(t, historyStore.RecordUsageSession(ctx, closedSession("ses-2", "cc:dd", baseTime.Add(time.Minute))))

	all, queryError := historyStore.QueryUsageSessions(ctx, SessionQuery{})
	require.NoError(t, queryError)
	assert.Len(t, all, 2)

	filtered, queryError := historyStore.QueryUsageSessions(ctx, SessionQuery{HardwareAddr: "aa:bb"})
	require.NoError(t, queryError)
	require.Len(t, filtered, 1)
	assert.Equal(t, "ses-1", filtered[0].ID)

	since := baseTime.Add(30 * time.Second)
	recent, queryError := historyStore.QueryUsageSessions(ctx, SessionQuery{Since: &since})
	require.NoError(t, queryError)
	require.Len(t, recent, 1)
	assert.Equal(t, "ses-2", recent[0].ID)
}

func TestRecordAndQueryAlertEvents(t *testing.T) {
	historyStore := NewMemoryStore(100, 0)
	ctx := context.Background()

	require.NoError(t, historyStore.RecordAlertEvent(ctx, model.AlertEvent{
		CorrelationID: "c-1",
		RuleName:      "motion",
		Timestamp:     time.Now(),
	}))
	require.NoError(t, historyStore.RecordAlertEvent(ctx, model.AlertEvent{
		CorrelationID: "c-2",
		RuleName:      "limit",
		Timestamp:     time.Now(),
		Suppressed:    true,
	}))

	all, queryError := historyStore.QueryAlertEvents(ctx, AlertQuery{})
	require.NoError(t, queryError)
	assert.Len(t, all, 2)

	filtered, queryError := historyStore.QueryAlertEvents(ctx, AlertQuery{RuleName: "limit"})
	require.NoError(t, queryError)
	require.Len(t, filtered, 1)
	assert.True(t, filtered[0].Suppressed)
}

func TestMaxItemsDropsOldestEntries(t *testing.T) {
	historyStore := NewMemoryStore(3, 0)
	ctx := context.Background()
	baseTime := time.Now()

	for i := 0; i < 5; i++ {
		sessionID := fmt.Sprintf("ses-%d", i)
		require.NoError(t, historyStore.RecordUsageSession(ctx, closedSession(sessionID, "aa:bb", baseTime)))
	}

	all, queryError := historyStore.QueryUsageSessions(ctx, SessionQuery{})
	require.NoError(t, queryError)
	require.Len(t, all, 3)
	assert.Equal(t, "ses-2", all[0].ID)
	assert.Equal(t, "ses-4", all[2].ID)
}

func TestQueryLimit(t *testing.T) {
	historyStore := NewMemoryStore(100, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, historyStore.RecordAlertEvent(ctx, model.AlertEvent{
			CorrelationID: fmt.Sprintf("c-%d", i),
			RuleName:      "motion",
			Timestamp:     time.Now(),
		}))
	}

	limited, queryError := historyStore.QueryAlertEvents(ctx, AlertQuery{Limit: 2})
	require.NoError(t, queryError)
	assert.Len(t, limited, 2)
}

func TestVacuumRemovesExpiredEntries(t *testing.T) {
	historyStore := NewMemoryStore(100, 1)
	ctx := context.Background()

	require.NoError(t, historyStore.RecordAlertEvent(ctx, model.AlertEvent{
		CorrelationID: "c-old",
		RuleName:      "motion",
		Timestamp:     time.Now(),
	}))

	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, historyStore.Vacuum(ctx))

	remaining, queryError := historyStore.QueryAlertEvents(ctx, AlertQuery{})
	require.NoError(t, queryError)
	assert.Empty(t, remaining)
}

func TestCancelledContextAborts(t *testing.T) {
	historyStore := NewMemoryStore(100, 0)

	require.NoError(t, historyStore.RecordAlertEvent(context.Background(), model.AlertEvent{CorrelationID: "c-1"}))

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, historyStore.RecordAlertEvent(cancelledCtx, model.AlertEvent{CorrelationID: "c-2"}))
	_, queryError := historyStore.QueryAlertEvents(cancelledCtx, AlertQuery{})
	assert.Error(t, queryError)
}
