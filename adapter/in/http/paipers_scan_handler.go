package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"paipers_server/core/port/in"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/response"
)

// FleetScanner runs a scan across every active mailbox.
type FleetScanner interface {
	ScanAll(ctx context.Context) (*in.FleetScanResult, error)
}

// ScanHandler exposes the manual and scheduled scan entry points.
type ScanHandler struct {
	intakeService in.IntakeService
	fleetScanner  FleetScanner
	cronSecret    string
}

func NewScanHandler(intakeService in.IntakeService, fleetScanner FleetScanner, cronSecret string) *ScanHandler {
	return &ScanHandler{
		intakeService: intakeService,
		fleetScanner:  fleetScanner,
		cronSecret:    cronSecret,
	}
}

func (h *ScanHandler) Register(router fiber.Router) {
	router.Post("/gmail/scan", h.Scan)
	router.Get("/cron/gmail-scan", h.CronScan)
}

// Scan runs a poll scan for the requesting user's mailbox. The user comes
// from the auth context when present, otherwise from the {user_id} body
// sent by internal callers.
func (h *ScanHandler) Scan(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		userID, err = scanUserFromBody(c)
		if err != nil {
			return err
		}
	}

	result, err := h.intakeService.ScanMailbox(c.Context(), userID)
	if err != nil {
		return err
	}

	return response.OK(c, result)
}

func scanUserFromBody(c *fiber.Ctx) (uuid.UUID, error) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == "" {
		return uuid.Nil, apperr.Unauthorized("missing user id")
	}

	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return uuid.Nil, apperr.InvalidInput("user_id", "must be a valid UUID")
	}
	return userID, nil
}

// CronScan scans every active mailbox. It is meant for an external
// scheduler and is gated by a shared secret instead of a user session.
func (h *ScanHandler) CronScan(c *fiber.Ctx) error {
	if h.cronSecret == "" || c.Query("secret") != h.cronSecret {
		return apperr.Unauthorized("invalid cron secret")
	}
	if h.fleetScanner == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Fleet scanner not available")
	}

	result, err := h.fleetScanner.ScanAll(c.Context())
	if err != nil {
		return err
	}

	return response.OK(c, result)
}
