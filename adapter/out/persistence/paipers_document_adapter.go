package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paipers_server/core/domain"
	"paipers_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// DocumentAdapter - intake ledger (PostgreSQL)
// =============================================================================

type DocumentAdapter struct {
	db *sqlx.DB
}

// NewDocumentAdapter creates a new DocumentAdapter.
func NewDocumentAdapter(db *sqlx.DB) *DocumentAdapter {
	return &DocumentAdapter{db: db}
}

// =============================================================================
// Entity
// =============================================================================

type documentEntity struct {
	ID     uuid.UUID `db:"id"`
	UserID uuid.UUID `db:"user_id"`

	Title            string         `db:"title"`
	OriginalFilename sql.NullString `db:"original_filename"`
	MimeType         sql.NullString `db:"mime_type"`
	FilePath         sql.NullString `db:"file_path"`
	Category         sql.NullString `db:"category"`

	Source      string `db:"source"`
	NeedsReview bool   `db:"needs_review"`
	IsReady     bool   `db:"is_ready"`

	GmailEmail        sql.NullString `db:"gmail_email"`
	GmailMessageID    sql.NullString `db:"gmail_message_id"`
	GmailAttachmentID sql.NullString `db:"gmail_attachment_id"`

	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (e *documentEntity) toDomain() *domain.Document {
	doc := &domain.Document{
		ID:          e.ID,
		UserID:      e.UserID,
		Title:       e.Title,
		Source:      domain.DocumentSource(e.Source),
		NeedsReview: e.NeedsReview,
		IsReady:     e.IsReady,
		CreatedAt:   e.CreatedAt,
	}

	if e.OriginalFilename.Valid {
		doc.OriginalFilename = e.OriginalFilename.String
	}
	if e.MimeType.Valid {
		doc.MimeType = e.MimeType.String
	}
	if e.FilePath.Valid {
		doc.FilePath = e.FilePath.String
	}
	if e.Category.Valid {
		doc.Category = e.Category.String
	}
	if e.GmailEmail.Valid {
		doc.GmailEmail = e.GmailEmail.String
	}
	if e.GmailMessageID.Valid {
		doc.GmailMessageID = e.GmailMessageID.String
	}
	if e.GmailAttachmentID.Valid {
		doc.GmailAttachmentID = e.GmailAttachmentID.String
	}
	if len(e.Metadata) > 0 {
		var meta map[string]string
		if err := json.Unmarshal(e.Metadata, &meta); err == nil {
			doc.Metadata = meta
		}
	}
	return doc
}

func marshalMetadata(meta map[string]string) (interface{}, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

const documentColumns = `
	id, user_id, title, original_filename, mime_type, file_path, category,
	source, needs_review, is_ready,
	gmail_email, gmail_message_id, gmail_attachment_id,
	metadata, created_at`

// =============================================================================
// Reads
// =============================================================================

// GetByID returns a document by id.
func (a *DocumentAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	var entity documentEntity
	query := `SELECT` + documentColumns + `
		FROM documents
		WHERE id = $1`

	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

// ListByUser returns documents for a user, newest first.
func (a *DocumentAdapter) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Document, error) {
	var entities []*documentEntity
	query := `SELECT` + documentColumns + `
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	if err := a.db.SelectContext(ctx, &entities, query, userID, limit, offset); err != nil {
		return nil, err
	}

	docs := make([]*domain.Document, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, e.toDomain())
	}
	return docs, nil
}

// ListByIDs returns documents matching the given ids.
func (a *DocumentAdapter) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	var entities []*documentEntity
	query := `SELECT` + documentColumns + `
		FROM documents
		WHERE id = ANY($1)
		ORDER BY created_at DESC`

	if err := a.db.SelectContext(ctx, &entities, query, pq.Array(strIDs)); err != nil {
		return nil, err
	}

	docs := make([]*domain.Document, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, e.toDomain())
	}
	return docs, nil
}

// Exists checks the intake dedup key.
func (a *DocumentAdapter) Exists(ctx context.Context, userID uuid.UUID, gmailMessageID, gmailAttachmentID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM documents
			WHERE user_id = $1 AND gmail_message_id = $2 AND gmail_attachment_id = $3
		)`

	if err := a.db.GetContext(ctx, &exists, query, userID, gmailMessageID, gmailAttachmentID); err != nil {
		return false, err
	}
	return exists, nil
}

// =============================================================================
// Writes
// =============================================================================

// Create inserts a document. Stub rows carry no payload fields yet.
func (a *DocumentAdapter) Create(ctx context.Context, doc *domain.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	meta, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (id, user_id, title, original_filename, mime_type, file_path, category,
		                       source, needs_review, is_ready,
		                       gmail_email, gmail_message_id, gmail_attachment_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at`

	err = a.db.QueryRowContext(ctx, query,
		doc.ID,
		doc.UserID,
		doc.Title,
		toNullableString(doc.OriginalFilename),
		toNullableString(doc.MimeType),
		toNullableString(doc.FilePath),
		toNullableString(doc.Category),
		string(doc.Source),
		doc.NeedsReview,
		doc.IsReady,
		toNullableString(doc.GmailEmail),
		toNullableString(doc.GmailMessageID),
		toNullableString(doc.GmailAttachmentID),
		meta,
	).Scan(&doc.CreatedAt)
	if isUniqueViolation(err) {
		// Concurrent detectors raced on the same attachment.
		return ErrDuplicate
	}
	return err
}

// Materialize flips a stub to ready with its enriched fields in one update.
func (a *DocumentAdapter) Materialize(ctx context.Context, doc *domain.Document) error {
	query := `
		UPDATE documents
		SET title = $1, original_filename = $2, mime_type = $3, file_path = $4,
		    category = $5, is_ready = true, needs_review = false,
		    gmail_message_id = COALESCE($6, gmail_message_id),
		    gmail_attachment_id = COALESCE($7, gmail_attachment_id)
		WHERE id = $8`

	result, err := a.db.ExecContext(ctx, query,
		doc.Title,
		toNullableString(doc.OriginalFilename),
		toNullableString(doc.MimeType),
		toNullableString(doc.FilePath),
		toNullableString(doc.Category),
		toNullableString(doc.GmailMessageID),
		toNullableString(doc.GmailAttachmentID),
		doc.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	doc.IsReady = true
	doc.NeedsReview = false
	return nil
}

// Delete removes a document row.
func (a *DocumentAdapter) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM documents WHERE id = $1`
	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

// Ensure DocumentAdapter implements out.DocumentRepository
var _ out.DocumentRepository = (*DocumentAdapter)(nil)
