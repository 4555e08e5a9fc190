package escrow

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/pagination"
	"github.com/taskbay/taskbay/internal/provider"
	"github.com/taskbay/taskbay/internal/validation"
)

// Handler provides HTTP endpoints for assignments, bids and escrow payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assignments", h.ListAssignments)
	r.GET("/assignments/:id", h.GetAssignment)
	r.GET("/assignments/:id/bids", h.ListBids)
	r.GET("/assignments/:id/submissions", h.ListSubmissions)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/assignments", h.CreateAssignment)
	r.POST("/assignments/:id/cancel", h.CancelAssignment)
	r.POST("/assignments/:id/start", h.StartWork)
	r.POST("/assignments/:id/submit", h.SubmitWork)
	r.POST("/assignments/:id/revise", h.RequestRevision)
	r.POST("/assignments/:id/release", h.ReleasePayment)
	r.GET("/assignments/:id/payment", h.GetPayment)
	r.GET("/me/assignments", h.ListMyAssignments)

	r.POST("/assignments/:id/bids", h.SubmitBid)
	r.POST("/bids/:bidId/accept", h.AcceptBid)
	r.POST("/bids/:bidId/withdraw", h.WithdrawBid)
	r.PATCH("/bids/:bidId", h.UpdateBid)
}

// CreateAssignment handles POST /v1/assignments
func (h *Handler) CreateAssignment(c *gin.Context) {
	var req struct {
		Title       string `json:"title" binding:"required"`
		Description string `json:"description"`
		BudgetCents int64  `json:"budgetCents" binding:"required"`
		Currency    string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	a, err := h.service.CreateAssignment(c.Request.Context(), CreateAssignmentRequest{
		PosterID:    c.GetString("authUserID"),
		Title:       req.Title,
		Description: req.Description,
		BudgetCents: req.BudgetCents,
		Currency:    req.Currency,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"assignment": a})
}

// GetAssignment handles GET /v1/assignments/:id
func (h *Handler) GetAssignment(c *gin.Context) {
	a, err := h.service.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	bids, err := h.service.ListBids(c.Request.Context(), a.ID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a, "bids": bids})
}

// ListAssignments handles GET /v1/assignments
func (h *Handler) ListAssignments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return
	}

	// Fetch one extra to tell whether another page exists
	list, err := h.service.ListOpenAssignments(c.Request.Context(), cursor, limit+1)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	list, next, hasMore := pagination.ComputePage(list, limit, func(a *Assignment) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	resp := gin.H{"assignments": list, "count": len(list), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListMyAssignments handles GET /v1/me/assignments
func (h *Handler) ListMyAssignments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.ListAssignmentsByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": list, "count": len(list)})
}

// CancelAssignment handles POST /v1/assignments/:id/cancel
func (h *Handler) CancelAssignment(c *gin.Context) {
	a, err := h.service.CancelAssignment(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a})
}

// StartWork handles POST /v1/assignments/:id/start
func (h *Handler) StartWork(c *gin.Context) {
	a, err := h.service.StartWork(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a})
}

// SubmitWork handles POST /v1/assignments/:id/submit
func (h *Handler) SubmitWork(c *gin.Context) {
	var req struct {
		Note        string          `json:"note"`
		Attachments json.RawMessage `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	normalized, err := validation.NormalizeAttachments(req.Attachments)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	attachments := make([]Attachment, 0, len(normalized))
	for _, a := range normalized {
		attachments = append(attachments, Attachment{URL: a.URL, Name: a.Name, MimeType: a.MimeType})
	}

	sub, err := h.service.SubmitWork(c.Request.Context(), c.Param("id"), SubmitWorkRequest{
		DoerID:      c.GetString("authUserID"),
		Note:        req.Note,
		Attachments: attachments,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"submission": sub})
}

// RequestRevision handles POST /v1/assignments/:id/revise
func (h *Handler) RequestRevision(c *gin.Context) {
	a, err := h.service.RequestRevision(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignment": a})
}

// ReleasePayment handles POST /v1/assignments/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	result, err := h.service.ReleasePayment(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetPayment handles GET /v1/assignments/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListSubmissions handles GET /v1/assignments/:id/submissions
func (h *Handler) ListSubmissions(c *gin.Context) {
	subs, err := h.service.ListSubmissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": subs, "count": len(subs)})
}

// ListBids handles GET /v1/assignments/:id/bids
func (h *Handler) ListBids(c *gin.Context) {
	bids, err := h.service.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// SubmitBid handles POST /v1/assignments/:id/bids
func (h *Handler) SubmitBid(c *gin.Context) {
	var req struct {
		AmountCents int64  `json:"amountCents" binding:"required"`
		Message     string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	b, err := h.service.SubmitBid(c.Request.Context(), c.Param("id"), SubmitBidRequest{
		BidderID:    c.GetString("authUserID"),
		AmountCents: req.AmountCents,
		Message:     req.Message,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bid": b})
}

// AcceptBid handles POST /v1/bids/:bidId/accept
func (h *Handler) AcceptBid(c *gin.Context) {
	result, err := h.service.AcceptBid(c.Request.Context(), c.Param("bidId"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// WithdrawBid handles POST /v1/bids/:bidId/withdraw
func (h *Handler) WithdrawBid(c *gin.Context) {
	b, err := h.service.WithdrawBid(c.Request.Context(), c.Param("bidId"), c.GetString("authUserID"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": b})
}

// UpdateBid handles PATCH /v1/bids/:bidId
func (h *Handler) UpdateBid(c *gin.Context) {
	var req struct {
		AmountCents int64  `json:"amountCents" binding:"required"`
		Message     string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	b, err := h.service.UpdateBidAmount(c.Request.Context(), c.Param("bidId"),
		c.GetString("authUserID"), req.AmountCents, req.Message)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": b})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// writeServiceError maps domain errors to HTTP status codes. Callers only
// get enough detail to act on: which rule failed and, for transition errors,
// the from/to pair.
func writeServiceError(c *gin.Context, err error) {
	var transitionErr *TransitionError
	var providerErr *provider.Error

	switch {
	case errors.Is(err, ErrAssignmentNotFound),
		errors.Is(err, ErrBidNotFound),
		errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller is not allowed to perform this action",
		})
	case errors.Is(err, ErrSelfDealing):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "self_dealing",
			"message": "Posters cannot bid on or work their own assignments",
		})
	case errors.Is(err, ErrDuplicateBid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_bid",
			"message": "An active bid already exists for this assignment",
		})
	case errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_released",
			"message": "Payment has already been released",
		})
	case errors.Is(err, ErrPaymentDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "payment_disputed",
			"message": "Payment is frozen by an open dispute",
		})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Resource was modified concurrently, retry with fresh state",
		})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": transitionErr.Error(),
			"from":    transitionErr.From,
			"to":      transitionErr.To,
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoPayableAccount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "no_payout_account",
			"message": "Bidder has no payout-enabled account",
		})
	case errors.Is(err, ErrInvalidAmount):
		badRequest(c, "Amount must be a positive number of cents")
	case errors.As(err, &providerErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "provider_error",
			"message":   "Payment provider call failed",
			"retryable": providerErr.Retryable,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
