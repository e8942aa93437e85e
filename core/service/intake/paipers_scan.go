package intake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/logger"
)

// ScanMailbox runs a poll scan for one user: find recent PDF carriers,
// create stub documents for unseen attachments, then advance the cursor.
//
// The very first scan only adopts the mailbox baseline. Anything already in
// the mailbox at connect time is history, not new mail, so it produces no
// stubs.
func (s *IntakeService) ScanMailbox(ctx context.Context, userID uuid.UUID) (*in.ScanResult, error) {
	conn, err := s.connRepo.GetByUserID(ctx, userID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, apperr.NotFound("mailbox connection")
		}
		return nil, apperr.DatabaseError("failed to get mailbox connection", err)
	}
	if !conn.IsActive() {
		return nil, apperr.TokenExpired(conn.Email, fmt.Errorf("connection status is %s", conn.Status))
	}

	token, err := s.tokens.GetValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	if conn.IsFirstScan() {
		if err := s.adoptBaseline(ctx, conn, token); err != nil {
			return nil, err
		}
		return &in.ScanResult{Created: 0, FirstScan: true}, nil
	}

	created, err := s.scanForStubs(ctx, conn, token)
	if err != nil {
		return nil, err
	}

	s.advanceCursor(ctx, conn, token)

	return &in.ScanResult{Created: created}, nil
}

// adoptBaseline records the mailbox's current history id as the cursor
// without emitting any candidates.
func (s *IntakeService) adoptBaseline(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token) error {
	profile, err := s.provider.GetProfile(ctx, token)
	if err != nil {
		return apperr.ExternalError("gmail", err)
	}

	if err := s.connRepo.ResetHistoryID(ctx, conn.UserID, profile.HistoryID); err != nil {
		return apperr.DatabaseError("failed to set history baseline", err)
	}
	if err := s.connRepo.TouchScannedAt(ctx, conn.UserID); err != nil {
		logger.WithError(err).Warn("Failed to record scan time")
	}
	conn.LastHistoryID = profile.HistoryID

	logger.WithFields(map[string]interface{}{
		"email":      conn.Email,
		"history_id": profile.HistoryID,
	}).Info("First scan, adopted mailbox baseline")

	return nil
}

// scanForStubs lists recent PDF carriers and creates stubs for unseen
// attachments. One broken message never aborts the whole scan.
func (s *IntakeService) scanForStubs(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token) (int, error) {
	listing, err := s.provider.ListMessages(ctx, token, &out.ProviderListOptions{
		Query:      s.config.ScanQuery,
		MaxResults: s.config.ScanMaxMessages,
	})
	if err != nil {
		return 0, apperr.ExternalError("gmail", err)
	}

	messages := s.hydrateMessages(ctx, token, listing.MessageIDs)

	created := 0
	for _, msg := range messages {
		n, err := s.createStubs(ctx, conn, msg)
		if err != nil {
			logger.WithError(err).WithField("message_id", msg.ID).Warn("Failed to create document stubs for message")
			continue
		}
		created += n
	}

	return created, nil
}

// hydrateMessages fetches full messages with bounded concurrency, keeping
// input order. Failed fetches are logged and skipped.
func (s *IntakeService) hydrateMessages(ctx context.Context, token *oauth2.Token, messageIDs []string) []*out.ProviderMessage {
	results := make([]*out.ProviderMessage, len(messageIDs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, hydrateConcurrency)

	for i, id := range messageIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			msg, err := s.provider.GetMessage(ctx, token, id)
			if err != nil {
				logger.WithError(err).WithField("message_id", id).Warn("Failed to fetch message")
				return
			}
			results[i] = msg
		}(i, id)
	}
	wg.Wait()

	hydrated := make([]*out.ProviderMessage, 0, len(results))
	for _, msg := range results {
		if msg != nil {
			hydrated = append(hydrated, msg)
		}
	}
	return hydrated
}

// createStubs creates one stub document per unseen PDF part of the message.
func (s *IntakeService) createStubs(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage) (int, error) {
	created := 0
	for _, candidate := range pdfCandidates(msg) {
		exists, err := s.docRepo.Exists(ctx, conn.UserID, candidate.MessageID, candidate.AttachmentID)
		if err != nil {
			return created, apperr.DatabaseError("failed to check for existing document", err)
		}
		if exists {
			continue
		}

		doc := newStubDocument(conn, candidate)
		if err := s.docRepo.Create(ctx, doc); err != nil {
			if err == persistence.ErrDuplicate {
				continue
			}
			return created, apperr.DatabaseError("failed to create document stub", err)
		}
		created++

		logger.WithFields(map[string]interface{}{
			"document_id": doc.ID.String(),
			"filename":    candidate.Filename,
			"message_id":  candidate.MessageID,
		}).Info("Created document stub")
	}
	return created, nil
}

// pdfCandidates extracts every PDF part of a message as a candidate.
func pdfCandidates(msg *out.ProviderMessage) []*domain.AttachmentCandidate {
	var candidates []*domain.AttachmentCandidate
	for _, att := range msg.Attachments {
		if !domain.IsPDF(att.Filename, att.MimeType) {
			continue
		}
		candidates = append(candidates, &domain.AttachmentCandidate{
			MessageID:    msg.ID,
			AttachmentID: att.ID,
			Filename:     att.Filename,
			MimeType:     att.MimeType,
			Size:         att.Size,
			Subject:      msg.Subject,
			From:         msg.From,
			Date:         msg.Date,
		})
	}
	return candidates
}

// newStubDocument builds the stub record for a candidate. It carries no
// payload yet and always needs review.
func newStubDocument(conn *domain.MailboxConnection, candidate *domain.AttachmentCandidate) *domain.Document {
	return &domain.Document{
		UserID:            conn.UserID,
		Title:             candidate.StubTitle(),
		OriginalFilename:  candidate.Filename,
		MimeType:          candidate.MimeType,
		Source:            domain.SourceGmail,
		NeedsReview:       true,
		IsReady:           false,
		GmailEmail:        conn.Email,
		GmailMessageID:    candidate.MessageID,
		GmailAttachmentID: candidate.AttachmentID,
		Metadata: map[string]string{
			"subject": candidate.Subject,
			"from":    candidate.From,
			"date":    candidate.Date,
		},
	}
}

// advanceCursor moves the history cursor to the mailbox's current position.
// The cursor never moves backward, so a stale profile read is harmless.
func (s *IntakeService) advanceCursor(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token) {
	profile, err := s.provider.GetProfile(ctx, token)
	if err != nil {
		logger.WithError(err).WithField("email", conn.Email).Warn("Failed to read profile for cursor advance")
	} else if err := s.connRepo.UpdateHistoryIDIfGreater(ctx, conn.UserID, profile.HistoryID); err != nil {
		logger.WithError(err).Warn("Failed to advance history cursor")
	}

	if err := s.connRepo.TouchScannedAt(ctx, conn.UserID); err != nil {
		logger.WithError(err).Warn("Failed to record scan time")
	}
}
