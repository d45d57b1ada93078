package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/intake"
	"github.com/prequal/prequal/pkg/model"
	"github.com/prequal/prequal/pkg/store/postgres"
)

const defaultPageSize = 50

var panPattern = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)

type ApplicationService interface {
	Submit(ctx context.Context, applicant intake.Applicant) (intake.Receipt, error)
	Status(ctx context.Context, id uuid.UUID) (*model.Application, error)
}

type ApplicationQuery interface {
	List(ctx context.Context, status *model.ApplicationStatus, limit, offset int) ([]model.Application, int64, error)
	Statistics(ctx context.Context) (postgres.Statistics, error)
}

type ApplicationHandler struct {
	service ApplicationService
	query   ApplicationQuery
	logger  *zap.Logger
}

func NewApplicationHandler(service ApplicationService, query ApplicationQuery, logger *zap.Logger) *ApplicationHandler {
	return &ApplicationHandler{service: service, query: query, logger: logger}
}

type applicationCreateRequest struct {
	ApplicantName string  `json:"applicant_name" binding:"required,min=2,max=100"`
	PANNumber     string  `json:"pan_number" binding:"required"`
	LoanType      string  `json:"loan_type" binding:"required,oneof=personal home auto business"`
	LoanAmount    float64 `json:"loan_amount" binding:"required,gt=0,lte=100000000"`
	MonthlyIncome float64 `json:"monthly_income" binding:"required,gt=0"`
}

type applicationStatusResponse struct {
	ApplicationID string `json:"application_id"`
	Status        string `json:"status"`
}

type applicationResponse struct {
	ID            string  `json:"id"`
	PANNumber     string  `json:"pan_number"`
	ApplicantName *string `json:"applicant_name,omitempty"`
	MonthlyIncome float64 `json:"monthly_income"`
	LoanAmount    float64 `json:"loan_amount"`
	LoanType      string  `json:"loan_type"`
	Status        string  `json:"status"`
	CIBILScore    *int    `json:"cibil_score"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type applicationListResponse struct {
	Items  []applicationResponse `json:"items"`
	Total  int64                 `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

func (h *ApplicationHandler) Create(c *gin.Context) {
	var req applicationCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if !panPattern.MatchString(req.PANNumber) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": "pan_number must match AAAAA9999A"})
		return
	}
	loanType, err := model.ParseLoanType(req.LoanType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	h.logger.Info("received loan application", zap.String("loan_type", string(loanType)))

	receipt, err := h.service.Submit(c.Request.Context(), intake.Applicant{
		PANNumber:     req.PANNumber,
		Name:          req.ApplicantName,
		MonthlyIncome: req.MonthlyIncome,
		LoanAmount:    req.LoanAmount,
		LoanType:      loanType,
	})
	if err != nil {
		h.logger.Error("failed to create application", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing application"})
		return
	}

	c.JSON(http.StatusAccepted, applicationStatusResponse{
		ApplicationID: receipt.ApplicationID.String(),
		Status:        string(receipt.Status),
	})
}

func (h *ApplicationHandler) Status(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application id"})
		return
	}

	app, err := h.service.Status(c.Request.Context(), id)
	if errors.Is(err, postgres.ErrApplicationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load application", zap.String("application_id", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error retrieving application status"})
		return
	}

	c.JSON(http.StatusOK, applicationStatusResponse{ApplicationID: app.ID.String(), Status: string(app.Status)})
}

func (h *ApplicationHandler) List(c *gin.Context) {
	var status *model.ApplicationStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := model.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status", "details": err.Error()})
			return
		}
		status = &parsed
	}
	limit := parseLimit(c.Query("limit"), defaultPageSize)
	offset := parseOffset(c.Query("offset"))

	apps, total, err := h.query.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list applications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list applications"})
		return
	}

	items := make([]applicationResponse, 0, len(apps))
	for i := range apps {
		items = append(items, toApplicationResponse(&apps[i]))
	}
	c.JSON(http.StatusOK, applicationListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *ApplicationHandler) Stats(c *gin.Context) {
	stats, err := h.query.Statistics(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to compute statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func toApplicationResponse(app *model.Application) applicationResponse {
	return applicationResponse{
		ID:            app.ID.String(),
		PANNumber:     app.PANNumber,
		ApplicantName: app.ApplicantName,
		MonthlyIncome: app.MonthlyIncome,
		LoanAmount:    app.LoanAmount,
		LoanType:      string(app.LoanType),
		Status:        string(app.Status),
		CIBILScore:    app.CIBILScore,
		CreatedAt:     formatTime(app.CreatedAt),
		UpdatedAt:     formatTime(app.UpdatedAt),
	}
}
