package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"paipers_server/core/port/in"
	"paipers_server/pkg/logger"
)

const (
	DefaultIdempotencyTTL = 5 * time.Minute
	DefaultSyncLockTTL    = 2 * time.Minute
)

// WebhookMetrics counts push notification outcomes.
type WebhookMetrics struct {
	Processed  int64
	Duplicates int64
	Dropped    int64
	Errors     int64
}

// WebhookHandler receives Gmail Pub/Sub push notifications.
//
// Pub/Sub retries any non-2xx response, so every outcome, including a
// malformed payload, answers 200. Failures are logged, never surfaced.
type WebhookHandler struct {
	intakeService  in.IntakeService
	redis          *redis.Client
	metrics        WebhookMetrics
	idempotencyTTL time.Duration
	syncLockTTL    time.Duration
}

func NewWebhookHandler(intakeService in.IntakeService, redisClient *redis.Client) *WebhookHandler {
	return &WebhookHandler{
		intakeService:  intakeService,
		redis:          redisClient,
		idempotencyTTL: DefaultIdempotencyTTL,
		syncLockTTL:    DefaultSyncLockTTL,
	}
}

// SetTTLs overrides the deduplication and sync lock windows.
func (h *WebhookHandler) SetTTLs(idempotency, syncLock time.Duration) {
	if idempotency > 0 {
		h.idempotencyTTL = idempotency
	}
	if syncLock > 0 {
		h.syncLockTTL = syncLock
	}
}

func (h *WebhookHandler) Register(router fiber.Router) {
	router.Post("/gmail/webhook", h.GmailWebhook)
}

// GetMetrics returns a consistent snapshot of the counters.
func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Processed:  atomic.LoadInt64(&h.metrics.Processed),
		Duplicates: atomic.LoadInt64(&h.metrics.Duplicates),
		Dropped:    atomic.LoadInt64(&h.metrics.Dropped),
		Errors:     atomic.LoadInt64(&h.metrics.Errors),
	}
}

// PubSubEnvelope is the Pub/Sub push wrapper around the Gmail notification.
type PubSubEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotification is the base64-decoded payload of the envelope.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (h *WebhookHandler) GmailWebhook(c *fiber.Ctx) error {
	var envelope PubSubEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		logger.WithError(err).Warn("[GmailWebhook] Failed to parse envelope")
		return c.SendStatus(fiber.StatusOK)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		logger.WithError(err).Warn("[GmailWebhook] Failed to decode payload")
		return c.SendStatus(fiber.StatusOK)
	}

	var notification GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		logger.WithError(err).Warn("[GmailWebhook] Failed to unmarshal payload")
		return c.SendStatus(fiber.StatusOK)
	}
	if notification.EmailAddress == "" {
		logger.Warn("[GmailWebhook] Notification carries no email address")
		return c.SendStatus(fiber.StatusOK)
	}

	logger.Debug("[GmailWebhook] Received: email=%s, historyId=%d",
		notification.EmailAddress, notification.HistoryID)

	ctx := c.Context()

	if h.isDuplicate(ctx, envelope.Message.MessageID, notification.EmailAddress, notification.HistoryID) {
		atomic.AddInt64(&h.metrics.Duplicates, 1)
		return c.SendStatus(fiber.StatusOK)
	}

	if !h.acquireSyncLock(ctx, notification.EmailAddress) {
		// Another notification for this mailbox is in flight. The history
		// walk from that run covers this change too.
		atomic.AddInt64(&h.metrics.Dropped, 1)
		logger.Debug("[GmailWebhook] Sync lock busy: email=%s", notification.EmailAddress)
		return c.SendStatus(fiber.StatusOK)
	}

	atomic.AddInt64(&h.metrics.Processed, 1)
	h.processAsync(notification)

	return c.SendStatus(fiber.StatusOK)
}

// processAsync runs intake in the background with a fresh context, so the
// Pub/Sub acknowledgment never waits on Gmail or storage.
func (h *WebhookHandler) processAsync(notification GmailNotification) {
	go func() {
		// This goroutine runs outside the fiber request lifecycle, so no
		// middleware recover applies. A panic here would take the process down.
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&h.metrics.Errors, 1)
				logger.Error("[GmailWebhook] Intake panicked: email=%s, panic=%v",
					notification.EmailAddress, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), h.syncLockTTL)
		defer cancel()
		defer h.releaseSyncLock(ctx, notification.EmailAddress)

		if err := h.intakeService.ProcessPushNotification(ctx, notification.EmailAddress, notification.HistoryID); err != nil {
			atomic.AddInt64(&h.metrics.Errors, 1)
			logger.WithError(err).Error("[GmailWebhook] Intake failed: email=%s", notification.EmailAddress)
		}
	}()
}

// idempotencyKey dedupes on the Pub/Sub message id, which redeliveries of
// the same notification share. Pushes without one fall back to the mailbox
// and history cursor.
func (h *WebhookHandler) idempotencyKey(messageID, email string, historyID uint64) string {
	if messageID != "" {
		return "webhook:idempotent:gmail:" + messageID
	}
	return fmt.Sprintf("webhook:idempotent:gmail:%s:%d", email, historyID)
}

func (h *WebhookHandler) syncLockKey(email string) string {
	return fmt.Sprintf("webhook:synclock:gmail:%s", email)
}

func (h *WebhookHandler) isDuplicate(ctx context.Context, messageID, email string, historyID uint64) bool {
	if h.redis == nil {
		return false
	}
	ok, err := h.redis.SetNX(ctx, h.idempotencyKey(messageID, email, historyID), "1", h.idempotencyTTL).Result()
	return err == nil && !ok
}

func (h *WebhookHandler) acquireSyncLock(ctx context.Context, email string) bool {
	if h.redis == nil {
		return true
	}
	ok, err := h.redis.SetNX(ctx, h.syncLockKey(email), "1", h.syncLockTTL).Result()
	return err == nil && ok
}

func (h *WebhookHandler) releaseSyncLock(ctx context.Context, email string) {
	if h.redis == nil {
		return
	}
	_ = h.redis.Del(ctx, h.syncLockKey(email))
}
