package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prequal/prequal/pkg/model"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrScoreOutOfRange     = errors.New("credit score out of range")
)

// Outcome describes what ApplyDecision did to the row.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	// OutcomeNotFound: no row carries the identifier. Nothing was written.
	OutcomeNotFound
	// OutcomeApplied: the PENDING row moved to the requested terminal status.
	OutcomeApplied
	// OutcomeUnchanged: the row already holds the requested status and score.
	OutcomeUnchanged
	// OutcomeIgnored: the row is terminal with a different decision, which is kept.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeApplied:
		return "applied"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

// Statistics summarizes applications by status.
type Statistics struct {
	Total        int64 `json:"total"`
	Pending      int64 `json:"pending"`
	PreApproved  int64 `json:"pre_approved"`
	Rejected     int64 `json:"rejected"`
	ManualReview int64 `json:"manual_review"`
}

type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

// CreateWithOutbox inserts a new application and the event announcing it in one transaction.
func (r *ApplicationRepository) CreateWithOutbox(ctx context.Context, app *model.Application, event *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(app).Error; err != nil {
			return fmt.Errorf("insert application: %w", err)
		}
		if event == nil {
			return nil
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
}

func (r *ApplicationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	var app model.Application
	err := r.db.WithContext(ctx).First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApplicationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ApplyDecision moves a PENDING application to a terminal status, storing the score when one
// is given. The row is locked for the duration of the transaction. Terminal rows are never
// rewritten, so replaying a decision is harmless.
func (r *ApplicationRepository) ApplyDecision(ctx context.Context, id uuid.UUID, status model.ApplicationStatus, score *int) (Outcome, error) {
	if !status.IsTerminal() {
		return OutcomeUnknown, fmt.Errorf("apply decision: %s is not a terminal status", status)
	}
	if score != nil && !model.ValidScore(*score) {
		return OutcomeUnknown, fmt.Errorf("%w: %d", ErrScoreOutOfRange, *score)
	}

	outcome := OutcomeUnknown
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var app model.Application
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&app, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = OutcomeNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock application: %w", err)
		}

		if !app.Status.CanTransitionTo(status) {
			if app.Status == status && sameScore(app.CIBILScore, score) {
				outcome = OutcomeUnchanged
			} else {
				outcome = OutcomeIgnored
			}
			return nil
		}

		updates := map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		}
		if score != nil {
			updates["cibil_score"] = *score
		}
		if err := tx.Model(&model.Application{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("update application: %w", err)
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return OutcomeUnknown, err
	}
	return outcome, nil
}

func sameScore(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// List returns applications newest first, optionally restricted to one status, together
// with the total number of matching rows.
func (r *ApplicationRepository) List(ctx context.Context, status *model.ApplicationStatus, limit, offset int) ([]model.Application, int64, error) {
	var apps []model.Application
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Application{})

	if status != nil {
		query = query.Where("status = ?", *status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&apps).Error

	return apps, total, err
}

func (r *ApplicationRepository) ListByStatus(ctx context.Context, status model.ApplicationStatus, limit, offset int) ([]model.Application, int64, error) {
	return r.List(ctx, &status, limit, offset)
}

func (r *ApplicationRepository) CountByStatus(ctx context.Context) (map[model.ApplicationStatus]int64, error) {
	var rows []struct {
		Status model.ApplicationStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Application{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.ApplicationStatus]int64, len(model.Statuses))
	for _, status := range model.Statuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (r *ApplicationRepository) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := r.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{
		Pending:      counts[model.StatusPending],
		PreApproved:  counts[model.StatusPreApproved],
		Rejected:     counts[model.StatusRejected],
		ManualReview: counts[model.StatusManualReview],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
