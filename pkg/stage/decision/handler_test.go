package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"

	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/events"
	"github.com/prequal/prequal/pkg/model"
	"github.com/prequal/prequal/pkg/store/postgres"
)

func openRepository(t *testing.T) *postgres.ApplicationRepository {
	t.Helper()
	store, err := postgres.Open(sqlite.Open(":memory:"), &config.DatabaseConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())
	t.Cleanup(func() { _ = store.Close() })
	return postgres.NewApplicationRepository(store.DB())
}

func pendingApplication(t *testing.T, repo *postgres.ApplicationRepository, income, amount float64) *model.Application {
	t.Helper()
	app := model.NewApplication("ABCDE1234F", "Asha Rao", income, amount, model.LoanPersonal, time.Now())
	require.NoError(t, repo.CreateWithOutbox(context.Background(), app, nil))
	return app
}

func reportMessage(t *testing.T, app *model.Application, score *int, completedAt time.Time) kafka.Message {
	t.Helper()
	sub := events.NewSubmissionEvent(app)
	var report events.CreditReportEvent
	if score == nil {
		report = events.NewFailedCreditReport(sub, errors.New("bureau timeout"), completedAt)
	} else {
		report = events.NewCreditReport(sub, *score, completedAt)
	}
	value, err := events.Encode(report)
	require.NoError(t, err)
	return kafka.Message{Topic: "credit_reports_generated", Key: report.Key(), Value: value}
}

func intPtr(v int) *int { return &v }

func TestHandleDecidesScoredReports(t *testing.T) {
	tests := []struct {
		name   string
		score  int
		income float64
		amount float64
		want   model.ApplicationStatus
	}{
		{"strong credit affordable", 790, 50000, 500000, model.StatusPreApproved},
		{"weak credit", 610, 50000, 500000, model.StatusRejected},
		{"income equals payment", 700, 10000, 480000, model.StatusManualReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := openRepository(t)
			app := pendingApplication(t, repo, tt.income, tt.amount)
			h := NewHandler(repo, 0, zap.NewNop())

			require.NoError(t, h.Handle(context.Background(), reportMessage(t, app, intPtr(tt.score), time.Now())))

			got, err := repo.GetByID(context.Background(), app.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			require.NotNil(t, got.CIBILScore)
			assert.Equal(t, tt.score, *got.CIBILScore)
		})
	}
}

func TestHandleMissingScoreGoesToManualReviewWithoutHold(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, time.Hour, zap.NewNop())

	start := time.Now()
	require.NoError(t, h.Handle(context.Background(), reportMessage(t, app, nil, time.Now())))
	assert.Less(t, time.Since(start), time.Second)

	got, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, got.Status)
	assert.Nil(t, got.CIBILScore)
}

func TestHandleOutOfRangeScoreGoesToManualReview(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, 0, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), reportMessage(t, app, intPtr(950), time.Now())))

	got, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusManualReview, got.Status)
	assert.Nil(t, got.CIBILScore)
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, 0, zap.NewNop())
	msg := reportMessage(t, app, intPtr(790), time.Now())

	require.NoError(t, h.Handle(context.Background(), msg))
	first, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), msg))
	second, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.CIBILScore, *second.CIBILScore)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
}

func TestHandleUnknownApplicationIsSkipped(t *testing.T) {
	repo := openRepository(t)
	h := NewHandler(repo, 0, zap.NewNop())

	ghost := model.NewApplication("ABCDE1234F", "", 50000, 500000, model.LoanHome, time.Now())
	assert.NoError(t, h.Handle(context.Background(), reportMessage(t, ghost, intPtr(790), time.Now())))
	assert.NoError(t, h.Handle(context.Background(), reportMessage(t, ghost, nil, time.Now())))
}

func TestHandleHoldsBeforeDeciding(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, 100*time.Millisecond, zap.NewNop())

	start := time.Now()
	require.NoError(t, h.Handle(context.Background(), reportMessage(t, app, intPtr(790), start)))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	got, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPreApproved, got.Status)
}

func TestHandleSkipsElapsedHold(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, time.Minute, zap.NewNop())

	start := time.Now()
	require.NoError(t, h.Handle(context.Background(), reportMessage(t, app, intPtr(790), start.Add(-2*time.Minute))))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHoldNeverExceedsDelay(t *testing.T) {
	h := NewHandler(nil, 50*time.Millisecond, zap.NewNop())

	start := time.Now()
	require.NoError(t, h.hold(context.Background(), start.Add(time.Hour)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandleCancelledHoldLeavesRowPending(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, time.Hour, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Handle(ctx, reportMessage(t, app, intPtr(790), time.Now()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestHandleDecidePanicIsReturned(t *testing.T) {
	repo := openRepository(t)
	app := pendingApplication(t, repo, 50000, 500000)
	h := NewHandler(repo, 0, zap.NewNop(), WithDecideFunc(func(int, float64, float64) model.ApplicationStatus {
		panic("division by zero")
	}))

	err := h.Handle(context.Background(), reportMessage(t, app, intPtr(790), time.Now()))
	require.Error(t, err)
	assert.False(t, eventbus.IsPermanent(err))

	got, err := repo.GetByID(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

type failingStore struct{}

func (failingStore) ApplyDecision(ctx context.Context, id uuid.UUID, status model.ApplicationStatus, score *int) (postgres.Outcome, error) {
	return postgres.OutcomeUnknown, errors.New("connection refused")
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	h := NewHandler(failingStore{}, 0, zap.NewNop())
	app := model.NewApplication("ABCDE1234F", "", 50000, 500000, model.LoanHome, time.Now())

	err := h.Handle(context.Background(), reportMessage(t, app, intPtr(790), time.Now()))
	require.Error(t, err)
	assert.False(t, eventbus.IsPermanent(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHandleMalformedReportIsPermanent(t *testing.T) {
	h := NewHandler(failingStore{}, 0, zap.NewNop())
	err := h.Handle(context.Background(), kafka.Message{Value: []byte("not json")})
	require.Error(t, err)
	assert.True(t, eventbus.IsPermanent(err))
}
