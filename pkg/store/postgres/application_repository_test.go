package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/model"
)

func intPtr(v int) *int { return &v }

func createPending(t *testing.T, repo *ApplicationRepository) *model.Application {
	t.Helper()
	app := newApplication("ABCDE1234F", time.Now())
	require.NoError(t, repo.CreateWithOutbox(context.Background(), app, nil))
	return app
}

func TestCreateWithOutboxWritesBothRows(t *testing.T) {
	store := openTestStore(t)
	repo := NewApplicationRepository(store.DB())
	ctx := context.Background()

	app := newApplication("ABCDE1234F", time.Now())
	event := &model.OutboxEvent{
		EventID:       uuid.New(),
		ApplicationID: app.ID,
		Topic:         "loan_applications_submitted",
		EventType:     "application_submitted",
		Payload:       model.JSONB{"application_id": app.ID.String()},
		Status:        model.OutboxStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.CreateWithOutbox(ctx, app, event))

	got, err := repo.GetByID(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "ABCDE1234F", got.PANNumber)
	assert.Equal(t, "Test Applicant", got.Name())
	assert.InDelta(t, 50000, got.MonthlyIncome, 0.001)
	assert.Nil(t, got.CIBILScore)

	stored, err := NewOutboxRepository(store.DB()).GetByID(ctx, event.EventID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, stored.ApplicationID)
	assert.Equal(t, app.ID.String(), stored.Payload["application_id"])
}

func TestCreateWithOutboxRollsBackOnOutboxFailure(t *testing.T) {
	store := openTestStore(t)
	repo := NewApplicationRepository(store.DB())
	ctx := context.Background()

	first := newApplication("ABCDE1234F", time.Now())
	event := &model.OutboxEvent{
		EventID:       uuid.New(),
		ApplicationID: first.ID,
		Topic:         "t",
		EventType:     "e",
		Payload:       model.JSONB{},
		Status:        model.OutboxStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, repo.CreateWithOutbox(ctx, first, event))

	second := newApplication("FGHIJ5678K", time.Now())
	duplicate := *event
	duplicate.ApplicationID = second.ID
	err := repo.CreateWithOutbox(ctx, second, &duplicate)
	require.Error(t, err)

	_, err = repo.GetByID(ctx, second.ID)
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewApplicationRepository(openTestStore(t).DB())
	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestApplyDecisionTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to pre-approved stores score", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		app := createPending(t, repo)

		outcome, err := repo.ApplyDecision(ctx, app.ID, model.StatusPreApproved, intPtr(790))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		got, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPreApproved, got.Status)
		require.NotNil(t, got.CIBILScore)
		assert.Equal(t, 790, *got.CIBILScore)
	})

	t.Run("manual review without score", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		app := createPending(t, repo)

		outcome, err := repo.ApplyDecision(ctx, app.ID, model.StatusManualReview, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		got, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusManualReview, got.Status)
		assert.Nil(t, got.CIBILScore)
	})

	t.Run("replay is unchanged", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		app := createPending(t, repo)

		_, err := repo.ApplyDecision(ctx, app.ID, model.StatusRejected, intPtr(610))
		require.NoError(t, err)
		before, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)

		outcome, err := repo.ApplyDecision(ctx, app.ID, model.StatusRejected, intPtr(610))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnchanged, outcome)

		after, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Status, after.Status)
		assert.Equal(t, *before.CIBILScore, *after.CIBILScore)
		assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
	})

	t.Run("conflicting decision keeps the first", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		app := createPending(t, repo)

		_, err := repo.ApplyDecision(ctx, app.ID, model.StatusPreApproved, intPtr(700))
		require.NoError(t, err)

		outcome, err := repo.ApplyDecision(ctx, app.ID, model.StatusManualReview, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome)

		got, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPreApproved, got.Status)
		assert.Equal(t, 700, *got.CIBILScore)
	})

	t.Run("unknown id", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		outcome, err := repo.ApplyDecision(ctx, uuid.New(), model.StatusRejected, intPtr(500))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotFound, outcome)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		repo := NewApplicationRepository(openTestStore(t).DB())
		app := createPending(t, repo)

		_, err := repo.ApplyDecision(ctx, app.ID, model.StatusPreApproved, intPtr(901))
		assert.ErrorIs(t, err, ErrScoreOutOfRange)

		_, err = repo.ApplyDecision(ctx, app.ID, model.StatusPending, nil)
		assert.Error(t, err)

		got, err := repo.GetByID(ctx, app.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
	})
}

func TestListAndStatistics(t *testing.T) {
	store := openTestStore(t)
	repo := NewApplicationRepository(store.DB())
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		app := newApplication("ABCDE1234F", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, repo.CreateWithOutbox(ctx, app, nil))
		ids = append(ids, app.ID)
	}
	_, err := repo.ApplyDecision(ctx, ids[0], model.StatusPreApproved, intPtr(790))
	require.NoError(t, err)
	_, err = repo.ApplyDecision(ctx, ids[1], model.StatusRejected, intPtr(610))
	require.NoError(t, err)
	_, err = repo.ApplyDecision(ctx, ids[2], model.StatusManualReview, nil)
	require.NoError(t, err)

	all, total, err := repo.List(ctx, nil, 2, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, all, 2)
	assert.Equal(t, ids[4], all[0].ID)
	assert.Equal(t, ids[3], all[1].ID)

	pending, total, err := repo.ListByStatus(ctx, model.StatusPending, 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, pending, 2)

	stats, err := repo.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{Total: 5, Pending: 2, PreApproved: 1, Rejected: 1, ManualReview: 1}, stats)
}

func newMockRepository(t *testing.T) (*ApplicationRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := Open(postgres.New(postgres.Config{Conn: sqlDB}), &config.DatabaseConfig{})
	require.NoError(t, err)
	return NewApplicationRepository(store.DB()), mock
}

func TestApplyDecisionDatabaseFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "applications"`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	outcome, err := repo.ApplyDecision(context.Background(), uuid.New(), model.StatusRejected, intPtr(500))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, OutcomeUnknown, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithOutboxBeginFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin().WillReturnError(errors.New("database unavailable"))

	err := repo.CreateWithOutbox(context.Background(), newApplication("ABCDE1234F", time.Now()), nil)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDDatabaseFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "applications"`)).
		WillReturnError(gorm.ErrInvalidDB)

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrApplicationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "not_found", OutcomeNotFound.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
