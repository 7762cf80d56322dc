package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PromzzyKoncepts/counsel-api/internal/models"
	"github.com/PromzzyKoncepts/counsel-api/internal/service"
	appErrors "github.com/PromzzyKoncepts/counsel-api/pkg/errors"
	"github.com/PromzzyKoncepts/counsel-api/pkg/response"
)

// SlotHandler exposes slot publishing, browsing and booking endpoints.
type SlotHandler struct {
	slots   *service.SlotService
	booking *service.BookingService
	metrics *service.MetricsService
}

// NewSlotHandler constructs SlotHandler.
func NewSlotHandler(slots *service.SlotService, booking *service.BookingService, metrics *service.MetricsService) *SlotHandler {
	return &SlotHandler{slots: slots, booking: booking, metrics: metrics}
}

// Publish godoc
// @Summary Publish recurring availability
// @Tags Slots
// @Accept json
// @Produce json
// @Param id path string true "Counsellor ID"
// @Param payload body service.PublishRequest true "Availability payload"
// @Success 201 {object} response.Envelope
// @Router /counsellors/{id}/slots [post]
func (h *SlotHandler) Publish(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.slots.PublishAvailability(c.Request.Context(), c.Param("id"), actor.ID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// DeleteUpcoming godoc
// @Summary Delete a counsellor's upcoming available slots
// @Tags Slots
// @Produce json
// @Param id path string true "Counsellor ID"
// @Success 200 {object} response.Envelope
// @Router /counsellors/{id}/slots [delete]
func (h *SlotHandler) DeleteUpcoming(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	deleted, err := h.slots.DeleteUpcoming(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"deleted": deleted}, nil)
}

// ListFree godoc
// @Summary List a counsellor's future available slots
// @Tags Slots
// @Produce json
// @Param counsellorId query string true "Counsellor ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /slots/free [get]
func (h *SlotHandler) ListFree(c *gin.Context) {
	counsellorID := c.Query("counsellorId")
	if counsellorID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidArgument, "counsellorId is required"))
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	slots, total, err := h.slots.ListFree(c.Request.Context(), counsellorID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, slots, &models.Pagination{Page: page, PageSize: limit, TotalCount: total})
}

// Book godoc
// @Summary Book a contiguous run of slots starting at the given slot
// @Tags Slots
// @Accept json
// @Produce json
// @Param id path string true "Anchor slot ID"
// @Param payload body service.BookRequest true "Booking payload"
// @Success 201 {object} response.Envelope
// @Router /slots/{id}/book [post]
func (h *SlotHandler) Book(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.BookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.booking.Book(c.Request.Context(), actor.ID, c.Param("id"), req)
	h.metrics.ObserveBooking("book", err)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Free godoc
// @Summary Release a single slot back to available
// @Tags Slots
// @Produce json
// @Param id path string true "Slot ID"
// @Success 204 "No Content"
// @Router /slots/{id}/free [post]
func (h *SlotHandler) Free(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.slots.FreeSlot(c.Request.Context(), actor, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
