// Package decision turns a credit score and affordability into a pre-qualification outcome.
package decision

import "github.com/prequal/prequal/pkg/model"

const (
	// MinScore is the lowest score that is not rejected outright.
	MinScore = 650
	// LoanTermMonths is the assumed repayment term.
	LoanTermMonths = 48
)

// RequiredMonthlyPayment is the installment needed to repay amount over LoanTermMonths.
func RequiredMonthlyPayment(loanAmount float64) float64 {
	return loanAmount / LoanTermMonths
}

// Decide applies, in order: score below MinScore is rejected; income strictly above the
// required payment is pre-approved; anything else, including equality, goes to manual review.
func Decide(score int, monthlyIncome, loanAmount float64) model.ApplicationStatus {
	if score < MinScore {
		return model.StatusRejected
	}
	if monthlyIncome > RequiredMonthlyPayment(loanAmount) {
		return model.StatusPreApproved
	}
	return model.StatusManualReview
}
