// Package watch manages the Gmail push notification channel per mailbox.
package watch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
	"paipers_server/core/service/intake"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/logger"
)

// renewWindow is how close to expiry a watch gets renewed. Gmail watches
// live for about seven days; renewing a day early absorbs scheduler gaps.
const renewWindow = 24 * time.Hour

// WatchService registers and renews Gmail push subscriptions.
type WatchService struct {
	provider out.WatchManager
	connRepo out.ConnectionRepository
	tokens   intake.TokenProvider
}

func NewWatchService(provider out.WatchManager, connRepo out.ConnectionRepository, tokens intake.TokenProvider) *WatchService {
	return &WatchService{
		provider: provider,
		connRepo: connRepo,
		tokens:   tokens,
	}
}

// StartWatch registers the push channel for a user's mailbox.
func (s *WatchService) StartWatch(ctx context.Context, userID uuid.UUID) error {
	conn, err := s.getConnection(ctx, userID)
	if err != nil {
		return err
	}
	return s.watchConnection(ctx, conn)
}

// StopWatch cancels the push channel for a user's mailbox.
func (s *WatchService) StopWatch(ctx context.Context, userID uuid.UUID) error {
	conn, err := s.getConnection(ctx, userID)
	if err != nil {
		return err
	}

	token, err := s.tokens.GetValidToken(ctx, conn)
	if err != nil {
		return err
	}

	if err := s.provider.StopWatch(ctx, token); err != nil {
		return apperr.ExternalError("gmail", err)
	}

	logger.WithField("email", conn.Email).Info("Mailbox watch stopped")
	return nil
}

// RenewExpiring renews every active watch that expires within the renew
// window and returns how many were renewed. A failing mailbox never blocks
// the others.
func (s *WatchService) RenewExpiring(ctx context.Context) (int, error) {
	connections, err := s.connRepo.ListExpiringWatches(ctx, renewWindow)
	if err != nil {
		return 0, apperr.DatabaseError("failed to list expiring watches", err)
	}

	renewed := 0
	for _, conn := range connections {
		if !conn.IsActive() {
			continue
		}
		if err := s.watchConnection(ctx, conn); err != nil {
			logger.WithError(err).WithField("email", conn.Email).Warn("Failed to renew mailbox watch")
			continue
		}
		renewed++
	}

	if renewed > 0 {
		logger.WithField("renewed", renewed).Info("Renewed expiring mailbox watches")
	}

	return renewed, nil
}

func (s *WatchService) getConnection(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error) {
	conn, err := s.connRepo.GetByUserID(ctx, userID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, apperr.NotFound("mailbox connection")
		}
		return nil, apperr.DatabaseError("failed to get mailbox connection", err)
	}
	return conn, nil
}

func (s *WatchService) watchConnection(ctx context.Context, conn *domain.MailboxConnection) error {
	token, err := s.tokens.GetValidToken(ctx, conn)
	if err != nil {
		return err
	}

	resp, err := s.provider.Watch(ctx, token)
	if err != nil {
		return apperr.ExternalError("gmail", err)
	}

	if err := s.connRepo.UpdateWatchExpiry(ctx, conn.UserID, resp.Expiration); err != nil {
		return apperr.DatabaseError("failed to save watch expiry", err)
	}

	logger.WithFields(map[string]interface{}{
		"email":      conn.Email,
		"expiration": resp.Expiration.Format(time.RFC3339),
	}).Info("Mailbox watch registered")

	return nil
}

var _ in.WatchService = (*WatchService)(nil)
