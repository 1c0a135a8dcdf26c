package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/classreel/classreel-backend/internal/domain"
	"github.com/classreel/classreel-backend/internal/http/middleware"
	"github.com/classreel/classreel-backend/internal/http/response"
	"github.com/classreel/classreel-backend/internal/services"
)

type ContentHandler struct {
	requests services.RequestService
}

func NewContentHandler(requests services.RequestService) *ContentHandler {
	return &ContentHandler{requests: requests}
}

type submitRequest struct {
	Topic          string   `json:"topic"`
	Query          string   `json:"query"`
	Modalities     []string `json:"modalities"`
	GradeLevel     string   `json:"grade_level"`
	CorrelationID  string   `json:"correlation_id"`
	OrganizationID string   `json:"organization_id"`
}

// POST /api/content-requests
func (h *ContentHandler) Submit(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return
	}

	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	correlationID := body.CorrelationID
	if hdr := c.GetHeader("Idempotency-Key"); hdr != "" {
		correlationID = hdr
	}

	var orgID *uuid.UUID
	if body.OrganizationID != "" {
		parsed, err := uuid.Parse(body.OrganizationID)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_organization_id", err)
			return
		}
		orgID = &parsed
	}

	res, err := h.requests.Submit(c.Request.Context(), services.SubmitInput{
		UserID:         userID,
		OrganizationID: orgID,
		Topic:          body.Topic,
		Query:          body.Query,
		Modalities:     body.Modalities,
		GradeLevel:     body.GradeLevel,
		CorrelationID:  correlationID,
	})
	if err != nil {
		if errors.Is(err, types.ErrDuplicate) {
			response.RespondError(c, http.StatusConflict, "duplicate_correlation_id", err)
			return
		}
		response.RespondError(c, http.StatusBadRequest, "submit_failed", err)
		return
	}

	payload := gin.H{
		"request_id":     res.Request.ID,
		"correlation_id": res.Request.CorrelationID,
		"status":         res.Request.Status,
	}
	if res.Created {
		response.RespondCreated(c, payload)
		return
	}
	response.RespondOK(c, payload)
}

// GET /api/content-requests/:id
func (h *ContentHandler) GetStatus(c *gin.Context) {
	userID, requestID, ok := h.authedRequestID(c)
	if !ok {
		return
	}
	snap, err := h.requests.GetStatus(c.Request.Context(), userID, requestID)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.RespondOK(c, snap)
}

// GET /api/content-requests/:id/stages
func (h *ContentHandler) ListStages(c *gin.Context) {
	userID, requestID, ok := h.authedRequestID(c)
	if !ok {
		return
	}
	stages, err := h.requests.ListStages(c.Request.Context(), userID, requestID)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stages": stages})
}

// GET /api/content-requests/:id/events
func (h *ContentHandler) ListEvents(c *gin.Context) {
	userID, requestID, ok := h.authedRequestID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.requests.ListEvents(c.Request.Context(), userID, requestID, limit)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"events": events})
}

func (h *ContentHandler) authedRequestID(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("not authenticated"))
		return uuid.Nil, uuid.Nil, false
	}
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_id", err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, requestID, true
}

func (h *ContentHandler) respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, types.ErrNotFound) {
		response.RespondError(c, http.StatusNotFound, "request_not_found", err)
		return
	}
	response.RespondServiceError(c, err)
}
