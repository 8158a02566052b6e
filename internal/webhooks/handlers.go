package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/offerhub/escrowd/internal/auth"
	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/idgen"
	"github.com/offerhub/escrowd/internal/logging"
	"github.com/offerhub/escrowd/internal/validation"
)

// maxPerOwner bounds how many endpoints one principal can register.
const maxPerOwner = 10

// Handler provides HTTP endpoints for webhook management. Every route acts
// on the authenticated principal's own subscriptions.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: ValidateURL}
}

// RegisterRoutes mounts the routes; r must require authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest registers an endpoint. Events defaults to every type.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner := auth.Principal(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("url", req.URL, 2048),
		func() *validation.ValidationError {
			if err := h.urlValidator(req.URL); err != nil {
				return &validation.ValidationError{Field: "url", Message: err.Error()}
			}
			return nil
		},
		func() *validation.ValidationError {
			for _, t := range req.Events {
				if !slices.Contains(events.Types, t) {
					return &validation.ValidationError{Field: "events", Message: "unknown event type " + t}
				}
			}
			return nil
		},
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	existing, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		h.internal(c, "list", err)
		return
	}
	if len(existing) >= maxPerOwner {
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": "Too many webhooks registered"})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.internal(c, "create", err)
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.WebhookPrefix),
		Owner:     owner,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.internal(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByOwner(c.Request.Context(), auth.Principal(c))
	if err != nil {
		h.internal(c, "list", err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId. Other principals'
// subscriptions look missing.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err == nil && sub.Owner != auth.Principal(c) {
		err = ErrNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	case err != nil:
		h.internal(c, "delete", err)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func (h *Handler) internal(c *gin.Context, op string, err error) {
	logging.L(c.Request.Context()).Error("webhook "+op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
