package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"campus-auth/backend/internal/action/service"
)

// CapturePath is the single endpoint action links point at.
const CapturePath = "/action/capture"

// Redeemer consumes action links.
type Redeemer interface {
	Redeem(ctx context.Context, token string) (*service.Result, error)
}

type messageResponse struct {
	Message string `json:"message"`
}

// Handler serves action-link redemption over HTTP.
type Handler struct {
	redeemer Redeemer
}

// NewHandler returns a Handler backed by redeemer.
func NewHandler(redeemer Redeemer) *Handler {
	return &Handler{redeemer: redeemer}
}

// Register mounts the capture route on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET(CapturePath, h.Capture)
}

// Capture redeems the token query parameter: 200 on success, 400 without a token,
// 401 when invalid or expired, 410 when already used.
func (h *Handler) Capture(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		respond(c, http.StatusBadRequest, "Missing token")
		return
	}
	res, err := h.redeemer.Redeem(c.Request.Context(), token)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, messageResponse{Message: res.Message()})
	case errors.Is(err, service.ErrActionLinkAlreadyUsed):
		respond(c, http.StatusGone, "This link has already been used")
	case errors.Is(err, service.ErrActionLinkInvalid):
		respond(c, http.StatusUnauthorized, "Invalid or expired action link")
	default:
		log.Printf("action: redeem failed: %v", err)
		respond(c, http.StatusInternalServerError, "Could not complete the action")
	}
}

func respond(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, messageResponse{Message: msg})
}
