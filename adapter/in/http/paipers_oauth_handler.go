package http

import (
	"github.com/gofiber/fiber/v2"

	"paipers_server/core/port/in"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/response"
)

// OAuthHandler drives the Gmail connect flow.
type OAuthHandler struct {
	authService in.MailboxAuthService
	watchSvc    in.WatchService
	successURL  string
}

func NewOAuthHandler(authService in.MailboxAuthService, watchSvc in.WatchService, successURL string) *OAuthHandler {
	return &OAuthHandler{
		authService: authService,
		watchSvc:    watchSvc,
		successURL:  successURL,
	}
}

func (h *OAuthHandler) Register(router fiber.Router) {
	oauth := router.Group("/oauth/gmail")
	oauth.Get("/connect", h.Connect)
	oauth.Get("/callback", h.Callback)
	oauth.Get("/status", h.Status)
	oauth.Delete("/", h.Disconnect)
}

// Connect returns the Google consent URL for the requesting user.
func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	url, err := h.authService.BuildAuthURL(userID, c.Query("platform", "web"))
	if err != nil {
		return err
	}

	return response.OK(c, fiber.Map{"auth_url": url})
}

// Callback completes the OAuth flow. Google redirects here with the code
// and the signed state issued by Connect.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if errParam := c.Query("error"); errParam != "" {
		return apperr.OAuthFailed("gmail", fiber.NewError(fiber.StatusBadRequest, errParam))
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		return apperr.BadRequest("code and state are required")
	}

	conn, err := h.authService.HandleCallback(c.Context(), code, state)
	if err != nil {
		return err
	}

	// Register the push channel right away; a failure here only delays
	// push delivery until the renew scheduler catches up.
	if h.watchSvc != nil {
		if watchErr := h.watchSvc.StartWatch(c.Context(), conn.UserID); watchErr != nil {
			c.Locals("watch_error", watchErr.Error())
		}
	}

	if h.successURL != "" {
		return c.Redirect(h.successURL, fiber.StatusFound)
	}

	return response.OK(c, fiber.Map{
		"email":  conn.Email,
		"status": string(conn.Status),
	})
}

// Status reports whether the user has a connected mailbox.
func (h *OAuthHandler) Status(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	conn, err := h.authService.GetConnection(c.Context(), userID)
	if err != nil {
		if ae := apperr.AsAppError(err); ae != nil && ae.Code == apperr.CodeNotFound {
			return response.OK(c, fiber.Map{"connected": false})
		}
		return err
	}

	return response.OK(c, fiber.Map{
		"connected":       conn.IsActive(),
		"email":           conn.Email,
		"status":          string(conn.Status),
		"last_scanned_at": conn.LastScannedAt,
	})
}

// Disconnect removes the user's mailbox connection.
func (h *OAuthHandler) Disconnect(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	if err := h.authService.Disconnect(c.Context(), userID); err != nil {
		return err
	}

	return response.NoContent(c)
}
