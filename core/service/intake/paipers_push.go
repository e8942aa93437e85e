package intake

import (
	"context"

	"golang.org/x/oauth2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/logger"
)

// ProcessPushNotification handles one Gmail push notification: walk the
// history log since the stored cursor, create stubs for unseen PDF
// attachments and materialize them right away.
//
// Notifications for unknown or inactive mailboxes are ignored, never
// errors. Gmail retries on failure and an unknown mailbox will not become
// known by retrying.
func (s *IntakeService) ProcessPushNotification(ctx context.Context, email string, historyID uint64) error {
	conn, err := s.connRepo.GetByEmail(ctx, email)
	if err != nil {
		if err == persistence.ErrNotFound {
			logger.WithField("email", email).Warn("Push notification for unknown mailbox, ignoring")
			return nil
		}
		return apperr.DatabaseError("failed to get mailbox connection", err)
	}
	if !conn.IsActive() {
		logger.WithFields(map[string]interface{}{
			"email":  email,
			"status": string(conn.Status),
		}).Warn("Push notification for inactive mailbox, ignoring")
		return nil
	}

	token, err := s.tokens.GetValidToken(ctx, conn)
	if err != nil {
		return err
	}

	// A mailbox that never completed a scan has no usable cursor. Adopt
	// the notification's history id as the baseline and wait for the
	// next change.
	if conn.IsFirstScan() {
		if err := s.connRepo.ResetHistoryID(ctx, conn.UserID, historyID); err != nil {
			return apperr.DatabaseError("failed to set history baseline", err)
		}
		logger.WithFields(map[string]interface{}{
			"email":      email,
			"history_id": historyID,
		}).Info("Adopted push notification as history baseline")
		return nil
	}

	history, err := s.provider.ListHistory(ctx, token, conn.LastHistoryID)
	if err != nil {
		if out.IsSyncRequired(err) {
			return s.recoverExpiredCursor(ctx, conn, token)
		}
		return apperr.ExternalError("gmail", err)
	}

	messages := s.hydrateMessages(ctx, token, history.MessageIDs)

	created := 0
	for _, msg := range messages {
		n := s.intakeMessage(ctx, conn, token, msg)
		created += n
	}

	if err := s.connRepo.UpdateHistoryIDIfGreater(ctx, conn.UserID, history.NextHistoryID); err != nil {
		logger.WithError(err).Warn("Failed to advance history cursor")
	}

	if created > 0 {
		logger.WithFields(map[string]interface{}{
			"email":   email,
			"created": created,
		}).Info("Push notification processed")
	}

	return nil
}

// recoverExpiredCursor handles a history cursor that Gmail no longer
// accepts: re-baseline on the current profile, then run a poll scan to
// catch anything the dead cursor would have missed.
func (s *IntakeService) recoverExpiredCursor(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token) error {
	logger.WithField("email", conn.Email).Warn("History cursor expired, re-baselining mailbox")

	profile, err := s.provider.GetProfile(ctx, token)
	if err != nil {
		return apperr.ExternalError("gmail", err)
	}
	if err := s.connRepo.ResetHistoryID(ctx, conn.UserID, profile.HistoryID); err != nil {
		return apperr.DatabaseError("failed to reset history cursor", err)
	}
	conn.LastHistoryID = profile.HistoryID

	if _, err := s.scanForStubs(ctx, conn, token); err != nil {
		return err
	}
	if err := s.connRepo.TouchScannedAt(ctx, conn.UserID); err != nil {
		logger.WithError(err).Warn("Failed to record scan time")
	}

	return nil
}

// intakeMessage creates stubs for the message's unseen PDF parts and
// materializes each one. Failures are logged per attachment so one bad
// payload never blocks the rest of the notification.
func (s *IntakeService) intakeMessage(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token, msg *out.ProviderMessage) int {
	created := 0
	for _, candidate := range pdfCandidates(msg) {
		exists, err := s.docRepo.Exists(ctx, conn.UserID, candidate.MessageID, candidate.AttachmentID)
		if err != nil {
			logger.WithError(err).Warn("Failed to check for existing document")
			continue
		}
		if exists {
			continue
		}

		doc := newStubDocument(conn, candidate)
		if err := s.docRepo.Create(ctx, doc); err != nil {
			if err != persistence.ErrDuplicate {
				logger.WithError(err).WithField("filename", candidate.Filename).Warn("Failed to create document stub")
			}
			continue
		}
		created++

		if err := s.materialize(ctx, conn, token, doc); err != nil {
			// The stub stays behind for a later explicit materialization.
			logger.WithError(err).WithField("document_id", doc.ID.String()).Warn("Failed to materialize pushed document")
		}
	}
	return created
}
