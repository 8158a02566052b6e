package escrow

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/offerhub/escrowd/internal/auth"
	"github.com/offerhub/escrowd/internal/logging"
	"github.com/offerhub/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/export", h.ExportEscrow)
	r.GET("/escrows/:id/summary", h.SummarizeEscrow)
	r.GET("/principals/:principal/escrows", validation.PrincipalParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up mutating routes. The group must run the
// auth middleware so the caller principal is known.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.FundEscrow)
	r.POST("/escrows/:id/arbitrator", h.SetArbitrator)
	r.POST("/escrows/:id/milestones", h.CreateMilestone)
	r.POST("/escrows/:id/milestones/:mid/approve", h.ApproveMilestone)
	r.POST("/escrows/:id/milestones/:mid/release", h.ReleaseMilestone)
	r.POST("/escrows/:id/release", h.ReleaseFull)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/refund", h.Refund)
}

// statusFor maps error codes onto HTTP statuses.
var statusFor = map[string]int{
	"not_found":                  http.StatusNotFound,
	"unauthorized":               http.StatusForbidden,
	"invalid_transition":         http.StatusConflict,
	"already_funded":             http.StatusConflict,
	"milestone_already_approved": http.StatusConflict,
	"milestone_already_released": http.StatusConflict,
	"dispute_not_active":         http.StatusConflict,
	"timeout_not_reached":        http.StatusConflict,
	"no_residual":                http.StatusConflict,
	"conflict":                   http.StatusConflict,
	"insufficient_value":         http.StatusUnprocessableEntity,
	"amount_mismatch":            http.StatusUnprocessableEntity,
	"milestone_not_found":        http.StatusNotFound,
	"milestone_not_approved":     http.StatusUnprocessableEntity,
	"max_milestones_exceeded":    http.StatusUnprocessableEntity,
	"arbitrator_required":        http.StatusUnprocessableEntity,
	"invalid_amount":             http.StatusBadRequest,
	"invalid_request":            http.StatusBadRequest,
	"fee_recording_failed":       http.StatusBadGateway,
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := Code(err)
	status, ok := statusFor[code]
	if !ok {
		status = http.StatusInternalServerError
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func milestoneParam(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("mid"), 10, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "milestone id must be a positive integer",
		})
		return 0, false
	}
	return uint32(v), true
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.ValidPrincipal("client", req.Client),
		validation.ValidPrincipal("freelancer", req.Freelancer),
		validation.ValidPrincipal("arbitrator", req.Arbitrator),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("nonce", req.Nonce, 128),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), auth.Principal(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ExportEscrow handles GET /v1/escrows/:id/export
func (h *Handler) ExportEscrow(c *gin.Context) {
	export, err := h.service.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

// SummarizeEscrow handles GET /v1/escrows/:id/summary
func (h *Handler) SummarizeEscrow(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// ListEscrows handles GET /v1/principals/:principal/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := DefaultPageSize
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListByPrincipal(c.Request.Context(), c.Param("principal"), limit, c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	summaries := make([]Summary, 0, len(page.Escrows))
	for _, e := range page.Escrows {
		summaries = append(summaries, e.Summarize())
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    summaries,
		"count":      len(summaries),
		"nextCursor": page.NextCursor,
		"hasMore":    page.NextCursor != "",
	})
}

type fundRequest struct {
	Value int64 `json:"value"`
}

// FundEscrow handles POST /v1/escrows/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	escrow, err := h.service.Fund(c.Request.Context(), c.Param("id"), auth.Principal(c), req.Value)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type arbitratorRequest struct {
	Arbitrator string `json:"arbitrator" binding:"required"`
}

// SetArbitrator handles POST /v1/escrows/:id/arbitrator
func (h *Handler) SetArbitrator(c *gin.Context) {
	var req arbitratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(validation.ValidPrincipal("arbitrator", req.Arbitrator)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}
	escrow, err := h.service.SetArbitrator(c.Request.Context(), c.Param("id"), auth.Principal(c), req.Arbitrator)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type milestoneRequest struct {
	Description string `json:"description" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
}

// CreateMilestone handles POST /v1/escrows/:id/milestones
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req milestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("description", req.Description, MaxDescriptionLength),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}
	escrow, err := h.service.CreateMilestone(c.Request.Context(), c.Param("id"), auth.Principal(c),
		validation.SanitizeString(req.Description, MaxDescriptionLength), req.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// ApproveMilestone handles POST /v1/escrows/:id/milestones/:mid/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	mid, ok := milestoneParam(c)
	if !ok {
		return
	}
	escrow, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), auth.Principal(c), mid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseMilestone handles POST /v1/escrows/:id/milestones/:mid/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	mid, ok := milestoneParam(c)
	if !ok {
		return
	}
	escrow, err := h.service.ReleaseMilestone(c.Request.Context(), c.Param("id"), auth.Principal(c), mid)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseFull handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFull(c *gin.Context) {
	escrow, err := h.service.ReleaseFull(c.Request.Context(), c.Param("id"), auth.Principal(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	escrow, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.Principal(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type resolveRequest struct {
	Result   DisputeResult `json:"result" binding:"required"`
	ShareBps uint32        `json:"freelancerShareBps"`
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	if !req.Result.Valid() {
		badRequest(c, validation.ValidationErrors{{Field: "result", Message: "must be client_wins, freelancer_wins or split"}})
		return
	}
	if errs := validation.Validate(validation.BasisPoints("freelancerShareBps", req.ShareBps)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}
	escrow, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.Principal(c), req.Result, req.ShareBps)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	escrow, err := h.service.Refund(c.Request.Context(), c.Param("id"), auth.Principal(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}
