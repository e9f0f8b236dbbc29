// Package handlers is the HTTP surface of the settlement service: provider
// webhooks (signature-authenticated), the user-facing cashout confirmation
// flow and the operator API. Handlers translate between wire shapes and the
// reconciler; they never touch Postgres directly.
package handlers

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/auth"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{Code: code, Message: message})
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	raw, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}
