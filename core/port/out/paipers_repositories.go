package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"paipers_server/core/domain"
)

// =============================================================================
// Connection Repository - credential and cursor store
// =============================================================================

// ConnectionRepository persists mailbox connections.
type ConnectionRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error)
	GetByEmail(ctx context.Context, email string) (*domain.MailboxConnection, error)
	ListActive(ctx context.Context) ([]*domain.MailboxConnection, error)
	Upsert(ctx context.Context, conn *domain.MailboxConnection) error
	Delete(ctx context.Context, userID uuid.UUID) error

	// Token rotation
	UpdateTokens(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error
	SetStatus(ctx context.Context, userID uuid.UUID, status domain.ConnectionStatus) error

	// Cursor. UpdateHistoryIDIfGreater never moves the cursor backward.
	UpdateHistoryIDIfGreater(ctx context.Context, userID uuid.UUID, historyID uint64) error
	ResetHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error
	TouchScannedAt(ctx context.Context, userID uuid.UUID) error
	SetLastProcessedMessage(ctx context.Context, userID uuid.UUID, messageID string) error

	// Watch lifecycle
	UpdateWatchExpiry(ctx context.Context, userID uuid.UUID, expiry time.Time) error
	ListExpiringWatches(ctx context.Context, within time.Duration) ([]*domain.MailboxConnection, error)
}

// =============================================================================
// Document Repository - intake ledger
// =============================================================================

// DocumentRepository persists intake documents.
type DocumentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Document, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Document, error)

	// Exists checks the dedup key (user id, gmail message id, gmail attachment id).
	Exists(ctx context.Context, userID uuid.UUID, gmailMessageID, gmailAttachmentID string) (bool, error)

	Create(ctx context.Context, doc *domain.Document) error

	// Materialize flips a stub to ready with its enriched fields in one update.
	Materialize(ctx context.Context, doc *domain.Document) error

	Delete(ctx context.Context, id uuid.UUID) error
}

// =============================================================================
// Blob Store - attachment payloads
// =============================================================================

// BlobStore persists attachment payloads keyed by storage path.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, mimeType string) error
	Get(ctx context.Context, path string) ([]byte, string, error)
	Delete(ctx context.Context, path string) error
}

// =============================================================================
// Document Classifier
// =============================================================================

// Classification is the outcome of classifying one document.
type Classification struct {
	Category string
	Title    string
}

// DocumentClassifier assigns a category and a cleaned title to a document.
type DocumentClassifier interface {
	Classify(ctx context.Context, filename, subject, from string) (*Classification, error)
}
