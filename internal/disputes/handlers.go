package disputes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/escrow"
	"github.com/taskbay/taskbay/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new disputes handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assignments/:id/disputes", h.Open)
	r.GET("/assignments/:id/disputes", h.ListByAssignment)
	r.GET("/disputes/:disputeId", h.Get)
	r.POST("/disputes/:disputeId/evidence", h.AddEvidence)
	r.POST("/disputes/:disputeId/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up arbiter-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:disputeId/resolve", h.Resolve)
}

// Open handles POST /v1/assignments/:id/disputes
func (h *Handler) Open(c *gin.Context) {
	var req struct {
		Reason   string          `json:"reason" binding:"required"`
		Evidence json.RawMessage `json:"evidence"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	evidence, err := normalizeEvidence(req.Evidence)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), OpenRequest{
		AssignmentID: c.Param("id"),
		OpenedBy:     c.GetString("authUserID"),
		Reason:       req.Reason,
		Evidence:     evidence,
	})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:disputeId
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("disputeId"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByAssignment handles GET /v1/assignments/:id/disputes
func (h *Handler) ListByAssignment(c *gin.Context) {
	list, err := h.service.ListByAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// AddEvidence handles POST /v1/disputes/:disputeId/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req struct {
		Evidence json.RawMessage `json:"evidence" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	evidence, err := normalizeEvidence(req.Evidence)
	if err != nil || len(evidence) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Evidence must contain at least one valid attachment",
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("disputeId"),
		c.GetString("authUserID"), evidence)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Withdraw handles POST /v1/disputes/:disputeId/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	d, err := h.service.Withdraw(c.Request.Context(), c.Param("disputeId"), c.GetString("authUserID"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/admin/disputes/:disputeId/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required"`
		Note    string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("disputeId"),
		c.GetString("authUserID"), Outcome(req.Outcome), req.Note)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func normalizeEvidence(raw json.RawMessage) ([]escrow.Attachment, error) {
	normalized, err := validation.NormalizeAttachments(raw)
	if err != nil {
		return nil, err
	}
	out := make([]escrow.Attachment, 0, len(normalized))
	for _, a := range normalized {
		out = append(out, escrow.Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType})
	}
	return out, nil
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrAssignmentNotFound),
		errors.Is(err, escrow.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the poster or doer may act on this dispute",
		})
	case errors.Is(err, ErrNotOpener):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the opener may withdraw this dispute",
		})
	case errors.Is(err, ErrDisputeExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_exists",
			"message": "An open dispute already exists for this assignment",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Dispute has already been resolved",
		})
	case errors.Is(err, escrow.ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_released",
			"message": "Payment has already been released",
		})
	case errors.Is(err, escrow.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
