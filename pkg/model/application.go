package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ApplicationStatus string

const (
	StatusPending      ApplicationStatus = "PENDING"
	StatusPreApproved  ApplicationStatus = "PRE_APPROVED"
	StatusRejected     ApplicationStatus = "REJECTED"
	StatusManualReview ApplicationStatus = "MANUAL_REVIEW"
)

// Statuses lists every status in display order.
var Statuses = []ApplicationStatus{StatusPending, StatusPreApproved, StatusRejected, StatusManualReview}

func ParseStatus(value string) (ApplicationStatus, error) {
	status := ApplicationStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range Statuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown application status %q", value)
}

// IsTerminal reports whether the pipeline performs no further automatic transition.
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case StatusPreApproved, StatusRejected, StatusManualReview:
		return true
	}
	return false
}

// CanTransitionTo allows only PENDING -> terminal. Terminal records are never resurrected.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

type LoanType string

const (
	LoanPersonal LoanType = "PERSONAL"
	LoanHome     LoanType = "HOME"
	LoanAuto     LoanType = "AUTO"
	LoanBusiness LoanType = "BUSINESS"
)

var LoanTypes = []LoanType{LoanPersonal, LoanHome, LoanAuto, LoanBusiness}

// ParseLoanType accepts any casing; the record always stores upper case.
func ParseLoanType(value string) (LoanType, error) {
	loanType := LoanType(strings.ToUpper(strings.TrimSpace(value)))
	for _, known := range LoanTypes {
		if loanType == known {
			return loanType, nil
		}
	}
	return "", fmt.Errorf("unknown loan type %q", value)
}

// Secured loans are backed by collateral; unsecured loans are not.
func (t LoanType) Secured() bool   { return t == LoanHome }
func (t LoanType) Unsecured() bool { return t == LoanPersonal }

const (
	MinCreditScore = 300
	MaxCreditScore = 900
)

func ValidScore(score int) bool {
	return score >= MinCreditScore && score <= MaxCreditScore
}

type Application struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	PANNumber     string            `gorm:"column:pan_number;type:varchar(10);not null;index"`
	ApplicantName *string           `gorm:"type:varchar(255)"`
	MonthlyIncome float64           `gorm:"column:monthly_income_inr;type:decimal(12,2);not null"`
	LoanAmount    float64           `gorm:"column:loan_amount_inr;type:decimal(12,2);not null"`
	LoanType      LoanType          `gorm:"type:varchar(20);not null"`
	Status        ApplicationStatus `gorm:"type:varchar(20);not null;default:'PENDING';index"`
	CIBILScore    *int              `gorm:"column:cibil_score"`
	CreatedAt     time.Time         `gorm:"not null;index"`
	UpdatedAt     time.Time         `gorm:"not null"`
}

func (Application) TableName() string {
	return "applications"
}

// NewApplication builds a PENDING application with a fresh identifier.
func NewApplication(pan, name string, monthlyIncome, loanAmount float64, loanType LoanType, now time.Time) *Application {
	var applicantName *string
	if name != "" {
		applicantName = &name
	}
	now = now.UTC()
	return &Application{
		ID:            uuid.New(),
		PANNumber:     pan,
		ApplicantName: applicantName,
		MonthlyIncome: monthlyIncome,
		LoanAmount:    loanAmount,
		LoanType:      loanType,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Name returns the applicant name, or "" when it was not supplied.
func (a *Application) Name() string {
	if a.ApplicantName == nil {
		return ""
	}
	return *a.ApplicantName
}
