package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/prequal/prequal/pkg/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		score  int
		income float64
		amount float64
		want   model.ApplicationStatus
	}{
		{"low score rich applicant", 649, 1e9, 1, model.StatusRejected},
		{"minimum score", 300, 50000, 500000, model.StatusRejected},
		{"threshold score affordable", 650, 50000, 500000, model.StatusPreApproved},
		{"strong test pan", 790, 50000, 500000, model.StatusPreApproved},
		{"income equals payment", 700, 10000, 480000, model.StatusManualReview},
		{"income just above payment", 700, 10000.01, 480000, model.StatusPreApproved},
		{"income below payment", 800, 5000, 480000, model.StatusManualReview},
		{"zero amount", 650, 0.01, 0, model.StatusPreApproved},
		{"zero amount zero income", 650, 0, 0, model.StatusManualReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.score, tt.income, tt.amount))
		})
	}
}

func TestDecideRejectsEveryScoreBelowThreshold(t *testing.T) {
	for score := model.MinCreditScore; score < MinScore; score++ {
		assert.Equal(t, model.StatusRejected, Decide(score, 1e12, 0))
	}
}

func TestRequiredMonthlyPayment(t *testing.T) {
	assert.InDelta(t, 10416.67, RequiredMonthlyPayment(500000), 0.01)
	assert.Zero(t, RequiredMonthlyPayment(0))
}
