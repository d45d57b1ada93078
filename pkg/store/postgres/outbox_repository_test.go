package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prequal/prequal/pkg/model"
)

func TestOutboxLifecycle(t *testing.T) {
	store := openTestStore(t)
	apps := NewApplicationRepository(store.DB())
	repo := NewOutboxRepository(store.DB())
	ctx := context.Background()

	now := time.Now().UTC()
	var events []*model.OutboxEvent
	for i, age := range []time.Duration{time.Hour, time.Minute, 0} {
		app := newApplication("ABCDE1234F", now)
		event := &model.OutboxEvent{
			EventID:       uuid.New(),
			ApplicationID: app.ID,
			Topic:         "loan_applications_submitted",
			EventType:     "application_submitted",
			Payload:       model.JSONB{"n": float64(i)},
			Status:        model.OutboxStatusPending,
			CreatedAt:     now.Add(-age),
		}
		require.NoError(t, apps.CreateWithOutbox(ctx, app, event))
		events = append(events, event)
	}

	pending, err := repo.ListPending(ctx, now.Add(-30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, events[0].EventID, pending[0].EventID)
	assert.Equal(t, events[1].EventID, pending[1].EventID)

	require.NoError(t, repo.IncrementAttempts(ctx, events[0].EventID))
	require.NoError(t, repo.IncrementAttempts(ctx, events[0].EventID))
	require.NoError(t, repo.MarkPublished(ctx, events[0].EventID, now))
	require.NoError(t, repo.MarkFailed(ctx, events[1].EventID))

	published, err := repo.GetByID(ctx, events[0].EventID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPublished, published.Status)
	assert.Equal(t, 2, published.Attempts)
	require.NotNil(t, published.PublishedAt)

	pending, err = repo.ListPending(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events[2].EventID, pending[0].EventID)
}

func TestMarkPublishedSkipsFailedEvents(t *testing.T) {
	store := openTestStore(t)
	apps := NewApplicationRepository(store.DB())
	repo := NewOutboxRepository(store.DB())
	ctx := context.Background()

	app := newApplication("ABCDE1234F", time.Now())
	event := &model.OutboxEvent{
		EventID:       uuid.New(),
		ApplicationID: app.ID,
		Topic:         "t",
		EventType:     "e",
		Payload:       model.JSONB{},
		Status:        model.OutboxStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, apps.CreateWithOutbox(ctx, app, event))
	require.NoError(t, repo.MarkFailed(ctx, event.EventID))
	require.NoError(t, repo.MarkPublished(ctx, event.EventID, time.Now()))

	got, err := repo.GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
}
