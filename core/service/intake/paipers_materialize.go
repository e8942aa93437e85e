package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/logger"
	"paipers_server/pkg/sanitize"
)

// MaterializeDocument downloads and stores the payload for a stub, then
// enriches the record and marks it ready. Calling it on a document that is
// already ready is a no-op.
func (s *IntakeService) MaterializeDocument(ctx context.Context, documentID uuid.UUID) (*domain.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, documentID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, apperr.NotFound("document")
		}
		return nil, apperr.DatabaseError("failed to get document", err)
	}
	if doc.IsReady {
		return doc, nil
	}

	conn, err := s.connRepo.GetByUserID(ctx, doc.UserID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, apperr.NotFound("mailbox connection")
		}
		return nil, apperr.DatabaseError("failed to get mailbox connection", err)
	}

	token, err := s.tokens.GetValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := s.materialize(ctx, conn, token, doc); err != nil {
		return nil, err
	}

	return doc, nil
}

// materialize performs the download, store, classify and enrich sequence.
// The record only flips to ready after the payload is safely stored; any
// failure before that leaves the stub untouched.
// errNoBlobStore surfaces a deployment without payload storage. The stub
// stays behind so the document can be materialized once storage is back.
var errNoBlobStore = errors.New("blob store not configured")

func (s *IntakeService) materialize(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token, doc *domain.Document) error {
	if s.blobStore == nil {
		return apperr.UploadFailed(doc.OriginalFilename, errNoBlobStore)
	}
	if doc.GmailMessageID == "" || doc.GmailAttachmentID == "" {
		if err := s.locateAttachment(ctx, conn, token, doc); err != nil {
			return err
		}
	}

	data, err := s.provider.GetAttachment(ctx, token, doc.GmailMessageID, doc.GmailAttachmentID)
	if err != nil {
		return apperr.DownloadFailed(doc.OriginalFilename, err)
	}

	filename := sanitize.Filename(doc.OriginalFilename)
	path := fmt.Sprintf("%s/%s_%s", doc.UserID, doc.ID, filename)

	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	if err := s.blobStore.Put(ctx, path, data, mimeType); err != nil {
		return apperr.UploadFailed(path, err)
	}

	classification := s.classify(ctx, doc)

	doc.Title = classification.Title
	doc.Category = classification.Category
	doc.FilePath = path
	doc.MimeType = mimeType
	doc.IsReady = true
	doc.NeedsReview = false

	if err := s.docRepo.Materialize(ctx, doc); err != nil {
		return apperr.DatabaseError("failed to mark document ready", err)
	}

	if err := s.connRepo.SetLastProcessedMessage(ctx, conn.UserID, doc.GmailMessageID); err != nil {
		logger.WithError(err).Warn("Failed to record last processed message")
	}

	logger.WithFields(map[string]interface{}{
		"document_id": doc.ID.String(),
		"category":    doc.Category,
		"path":        path,
		"size":        len(data),
	}).Info("Document materialized")

	return nil
}

// locateAttachment resolves a stub that carries no attachment reference by
// searching the recent mailbox window for a matching PDF part.
func (s *IntakeService) locateAttachment(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token, doc *domain.Document) error {
	listing, err := s.provider.ListMessages(ctx, token, &out.ProviderListOptions{
		Query:      s.config.MaterializeQuery,
		MaxResults: s.config.MaterializeMax,
	})
	if err != nil {
		return apperr.ExternalError("gmail", err)
	}

	wanted := strings.ToLower(doc.OriginalFilename)
	if wanted == "" {
		wanted = strings.ToLower(doc.Title)
	}

	for _, id := range listing.MessageIDs {
		msg, err := s.provider.GetMessage(ctx, token, id)
		if err != nil {
			logger.WithError(err).WithField("message_id", id).Warn("Failed to fetch message while locating attachment")
			continue
		}
		for _, att := range msg.Attachments {
			if !domain.IsPDF(att.Filename, att.MimeType) {
				continue
			}
			if wanted != "" && strings.ToLower(att.Filename) != wanted {
				continue
			}
			doc.GmailMessageID = msg.ID
			doc.GmailAttachmentID = att.ID
			if doc.OriginalFilename == "" {
				doc.OriginalFilename = att.Filename
			}
			return nil
		}
	}

	return apperr.DownloadFailed(doc.OriginalFilename, fmt.Errorf("no matching attachment in recent messages"))
}

// classify asks for a category and title, falling back to defaults when no
// classifier is wired. Classification never blocks materialization.
func (s *IntakeService) classify(ctx context.Context, doc *domain.Document) *out.Classification {
	fallback := &out.Classification{
		Category: domain.CategoryOther,
		Title:    doc.Title,
	}

	if s.classifier == nil {
		return fallback
	}

	result, err := s.classifier.Classify(ctx, doc.OriginalFilename, doc.Metadata["subject"], doc.Metadata["from"])
	if err != nil || result == nil {
		if err != nil {
			logger.WithError(err).Warn("Document classification failed")
		}
		return fallback
	}
	if !domain.ValidCategory(result.Category) {
		result.Category = domain.CategoryOther
	}
	if result.Title == "" {
		result.Title = doc.Title
	}
	return result
}
