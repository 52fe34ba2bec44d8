package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder-trader/internal/execution"
	"ladder-trader/internal/ladder"
	"ladder-trader/internal/store"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil, opts...)
	require.NoError(t, err)
	return svc
}

func TestService_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	svc.RecordEvent(ctx, EventQuote, QuotePayload{Symbol: "INFY-EQ", Price: "1500.00"})
	svc.RecordError(ctx, "quote failed", errors.New("timeout"), map[string]interface{}{"symbol": "TCS-EQ"})
	svc.RecordEvent(ctx, EventQuote, QuotePayload{Symbol: "TCS-EQ", Price: "3400.00"})

	events, err := svc.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventQuote, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.Greater(t, events[0].ID, events[1].ID)

	quotes, err := svc.List(ctx, EventQuote, 10)
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	var latest QuotePayload
	require.NoError(t, json.Unmarshal(quotes[0].Payload.(json.RawMessage), &latest))
	assert.Equal(t, "TCS-EQ", latest.Symbol)
}

func TestService_EvictsOldestBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	var evicted int64
	svc := newTestService(t, WithCapacity(3), WithEvictionHook(func(n int64) { evicted += n }))

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, Event{
			Type:    EventRun,
			Payload: RunPayload{RunID: fmt.Sprintf("run-%d", i)},
		}))
	}

	n, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(2), evicted)

	events, err := svc.List(ctx, EventRun, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	var oldest RunPayload
	require.NoError(t, json.Unmarshal(events[2].Payload.(json.RawMessage), &oldest))
	assert.Equal(t, "run-2", oldest.RunID)
}

func TestService_RecordSubmission(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	legs, err := ladder.Generate(ladder.Parameters{ReferencePrice: 100, StepSize: 1, StepCount: 1, QuantityMultiplier: 1})
	require.NoError(t, err)

	submitted := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	require.NoError(t, svc.RecordSubmission(ctx, execution.Record{
		RunID:       "run-1",
		Leg:         legs[0],
		Mode:        execution.ModeDirect,
		Symbol:      "INFY-EQ",
		Request:     json.RawMessage(`{"price":"100.00"}`),
		Response:    `{"status":true}`,
		Outcome:     execution.OutcomeSuccess,
		SubmittedAt: submitted,
	}))

	events, err := svc.List(ctx, EventSubmission, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.Equal(submitted))

	var rec execution.Record
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &rec))
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, execution.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "100.00", rec.Leg.Price.StringFixed(2))
	assert.Equal(t, 1, rec.Leg.Quantity)
}

func TestService_RecordRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	start := time.Now()
	svc.RecordRun(ctx, execution.Run{
		ID:         "run-9",
		Mode:       execution.ModeConditional,
		State:      execution.StateCompleted,
		Records:    []execution.Record{{Outcome: execution.OutcomeSuccess}, {Outcome: execution.OutcomeFailed}},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	})

	events, err := svc.List(ctx, EventRun, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var payload RunPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &payload))
	assert.Equal(t, "completed", payload.State)
	assert.Equal(t, 1, payload.Success)
	assert.Equal(t, 1, payload.Failed)
	assert.Equal(t, "1s", payload.Duration)
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.Error(t, err)
}
