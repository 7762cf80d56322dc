package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/service"
	"github.com/PromzzyKoncepts/counsel-api/pkg/export"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
	"github.com/PromzzyKoncepts/counsel-api/pkg/response"
)

// SessionHandler exposes session lifecycle endpoints.
type SessionHandler struct {
	sessions     *service.SessionService
	cancellation *service.CancellationService
	metrics      *service.MetricsService
	csv          *export.CSVExporter
	pdf          *export.PDFExporter
}

// NewSessionHandler constructs SessionHandler.
func NewSessionHandler(sessions *service.SessionService, cancellation *service.CancellationService, metrics *service.MetricsService) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		cancellation: cancellation,
		metrics:      metrics,
		csv:          export.NewCSVExporter(),
		pdf:          export.NewPDFExporter(),
	}
}

// List godoc
// @Summary List the caller's sessions
// @Tags Sessions
// @Produce json
// @Param status query string false "Filter by status"
// @Param participantId query string false "Participant (admin only)"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var filter models.SessionFilter
	filter.ParticipantID = c.Query("participantId")
	filter.Status = models.SessionStatus(c.Query("status"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	sessions, total, err := h.sessions.List(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total})
}

// Get godoc
// @Summary Fetch one session
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Cancel godoc
// @Summary Cancel a session and free its slots
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 204 "No Content"
// @Router /sessions/{id}/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	err := h.cancellation.Cancel(c.Request.Context(), actor, c.Param("id"))
	h.metrics.ObserveBooking("cancel", err)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RescheduleRequest is the reschedule payload.
type RescheduleRequest struct {
	NewSlotID       string `json:"new_slot_id" binding:"required"`
	DurationMinutes int    `json:"duration_minutes" binding:"required"`
}

// Reschedule godoc
// @Summary Move a session to a new slot range
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body RescheduleRequest true "Reschedule payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/reschedule [post]
func (h *SessionHandler) Reschedule(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.cancellation.Reschedule(c.Request.Context(), actor, c.Param("id"), req.NewSlotID, req.DurationMinutes)
	h.metrics.ObserveBooking("reschedule", err)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// RespondRequest is the counsellor's answer to a booked session.
type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Respond godoc
// @Summary Confirm or decline a booked session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body RespondRequest true "Response payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/respond [post]
func (h *SessionHandler) Respond(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.sessions.Respond(c.Request.Context(), actor, c.Param("id"), *req.Accept)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// Complete godoc
// @Summary Mark a session as held
// @Tags Sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/complete [post]
func (h *SessionHandler) Complete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	session, err := h.sessions.Complete(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// RateRequest is the rating payload.
type RateRequest struct {
	Rating int `json:"rating" binding:"required"`
}

// Rate godoc
// @Summary Rate a completed session
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body RateRequest true "Rating payload"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/rate [post]
func (h *SessionHandler) Rate(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	session, err := h.sessions.Rate(c.Request.Context(), actor, c.Param("id"), req.Rating)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, nil)
}

// ExportSchedule godoc
// @Summary Export a counsellor's upcoming schedule
// @Tags Sessions
// @Produce octet-stream
// @Param id path string true "Counsellor ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /counsellors/{id}/schedule/export [get]
func (h *SessionHandler) ExportSchedule(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	dataset, err := h.sessions.BuildSchedule(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	switch format {
	case "csv":
		payload, err := h.csv.Render(*dataset)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="schedule.csv"`)
		c.Data(http.StatusOK, "text/csv", payload)
	case "pdf":
		payload, err := h.pdf.Render(*dataset)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="schedule.pdf"`)
		c.Data(http.StatusOK, "application/pdf", payload)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidArgument, "format must be csv or pdf"))
	}
}
