// Package events defines the message contracts exchanged between pipeline stages.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prequal/prequal/pkg/model"
)

const (
	TypeApplicationSubmitted  = "application_submitted"
	TypeCreditReportGenerated = "credit_report_generated"
)

// ErrInvalidEvent marks payloads that can never be processed, however often they are retried.
var ErrInvalidEvent = errors.New("invalid event")

// Timestamp is an ISO-8601 instant. It is written as RFC 3339 in UTC and also accepts
// offset-less values from producers that emit naive UTC timestamps.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func ParseTimestamp(value string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return NewTimestamp(parsed), nil
		}
	}
	return Timestamp{}, fmt.Errorf("parse timestamp %q: not ISO-8601", value)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// SubmissionEvent is published by intake once the application row is committed.
type SubmissionEvent struct {
	ApplicationID string    `json:"application_id"`
	PANNumber     string    `json:"pan_number"`
	ApplicantName *string   `json:"applicant_name"`
	MonthlyIncome float64   `json:"monthly_income"`
	LoanAmount    float64   `json:"loan_amount"`
	LoanType      string    `json:"loan_type"`
	Status        string    `json:"status"`
	CreatedAt     Timestamp `json:"created_at"`
}

// CreditReportEvent forwards the submission and adds the scoring outcome. CIBILScore is nil
// and Error is set when scoring failed.
type CreditReportEvent struct {
	SubmissionEvent
	CIBILScore  *int      `json:"cibil_score"`
	Error       string    `json:"error,omitempty"`
	CompletedAt Timestamp `json:"credit_check_completed_at"`
}

func NewSubmissionEvent(app *model.Application) SubmissionEvent {
	return SubmissionEvent{
		ApplicationID: app.ID.String(),
		PANNumber:     app.PANNumber,
		ApplicantName: app.ApplicantName,
		MonthlyIncome: app.MonthlyIncome,
		LoanAmount:    app.LoanAmount,
		LoanType:      string(app.LoanType),
		Status:        string(app.Status),
		CreatedAt:     NewTimestamp(app.CreatedAt),
	}
}

func NewCreditReport(sub SubmissionEvent, score int, completedAt time.Time) CreditReportEvent {
	return CreditReportEvent{
		SubmissionEvent: sub,
		CIBILScore:      &score,
		CompletedAt:     NewTimestamp(completedAt),
	}
}

func NewFailedCreditReport(sub SubmissionEvent, cause error, completedAt time.Time) CreditReportEvent {
	message := "credit check failed"
	if cause != nil {
		message = cause.Error()
	}
	return CreditReportEvent{
		SubmissionEvent: sub,
		Error:           message,
		CompletedAt:     NewTimestamp(completedAt),
	}
}

// Key is the partition key: every event of one application lands on the same partition.
func (e SubmissionEvent) Key() []byte {
	return []byte(e.ApplicationID)
}

func (e SubmissionEvent) EventID() string {
	return SubmissionEventID(e.ApplicationID)
}

func (e CreditReportEvent) EventID() string {
	return CreditReportEventID(e.ApplicationID)
}

// Scored reports whether the report carries a usable score.
func (e CreditReportEvent) Scored() bool {
	return e.CIBILScore != nil
}

func SubmissionEventID(applicationID string) string {
	return applicationID + ":submitted"
}

func CreditReportEventID(applicationID string) string {
	return applicationID + ":credit-report"
}

// EventIDFor derives the event id of an event of eventType about applicationID, so every
// publisher of the same event produces the same id.
func EventIDFor(eventType, applicationID string) string {
	switch eventType {
	case TypeApplicationSubmitted:
		return SubmissionEventID(applicationID)
	case TypeCreditReportGenerated:
		return CreditReportEventID(applicationID)
	}
	return applicationID + ":" + eventType
}

func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

func DecodeSubmission(data []byte) (SubmissionEvent, error) {
	var event SubmissionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return SubmissionEvent{}, fmt.Errorf("%w: decode submission: %v", ErrInvalidEvent, err)
	}
	if err := event.validate(); err != nil {
		return SubmissionEvent{}, err
	}
	return event, nil
}

func DecodeCreditReport(data []byte) (CreditReportEvent, error) {
	var event CreditReportEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return CreditReportEvent{}, fmt.Errorf("%w: decode credit report: %v", ErrInvalidEvent, err)
	}
	if err := event.validate(); err != nil {
		return CreditReportEvent{}, err
	}
	return event, nil
}

func (e SubmissionEvent) validate() error {
	if strings.TrimSpace(e.ApplicationID) == "" {
		return fmt.Errorf("%w: missing application_id", ErrInvalidEvent)
	}
	if _, err := uuid.Parse(e.ApplicationID); err != nil {
		return fmt.Errorf("%w: application_id %q is not a uuid", ErrInvalidEvent, e.ApplicationID)
	}
	return nil
}

// ApplicationUUID parses the identifier validated during decoding.
func (e SubmissionEvent) ApplicationUUID() uuid.UUID {
	return uuid.MustParse(e.ApplicationID)
}

// Payload renders the event as the outbox JSONB payload.
func Payload(v interface{}) (model.JSONB, error) {
	data, err := Encode(v)
	if err != nil {
		return nil, err
	}
	var payload model.JSONB
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return payload, nil
}
