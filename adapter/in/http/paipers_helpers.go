// Package http contains the Fiber HTTP handlers.
package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"paipers_server/pkg/apperr"
)

// GetUserID extracts the authenticated user id from the request. The id is
// set in locals by upstream auth middleware; the X-User-Id header is the
// fallback for trusted internal callers.
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	if uid, ok := c.Locals("user_id").(uuid.UUID); ok && uid != uuid.Nil {
		return uid, nil
	}

	raw := c.Get("X-User-Id")
	if raw == "" {
		raw = c.Query("user_id")
	}
	if raw == "" {
		return uuid.Nil, apperr.Unauthorized("missing user id")
	}

	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("user_id", "must be a valid UUID")
	}
	return userID, nil
}

// GetDocumentID parses the :id route parameter.
func GetDocumentID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("id", "must be a valid UUID")
	}
	return id, nil
}
