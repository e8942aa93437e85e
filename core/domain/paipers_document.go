package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Document - intake ledger for mail attachments
// =============================================================================

type DocumentSource string

const (
	SourceGmail  DocumentSource = "gmail"
	SourceUpload DocumentSource = "upload"
)

// Category values assigned by classification. CategoryOther is the fallback.
const (
	CategoryWork      = "travail"
	CategoryInvoice   = "facture"
	CategoryBank      = "banque"
	CategoryAdmin     = "administratif"
	CategoryInsurance = "assurance"
	CategoryTax       = "impots"
	CategoryContract  = "contrat"
	CategoryOther     = "autres"
)

// Categories lists every allowed classification label.
var Categories = []string{
	CategoryWork, CategoryInvoice, CategoryBank, CategoryAdmin,
	CategoryInsurance, CategoryTax, CategoryContract, CategoryOther,
}

// ValidCategory reports whether label is an allowed category.
func ValidCategory(label string) bool {
	for _, c := range Categories {
		if c == label {
			return true
		}
	}
	return false
}

// Document is one intake record. It starts life as a stub (no payload,
// needs_review, not ready) and becomes ready once the attachment bytes are
// stored and the record is enriched.
type Document struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	Title            string `json:"title"`
	OriginalFilename string `json:"original_filename,omitempty"`
	MimeType         string `json:"mime_type,omitempty"`
	FilePath         string `json:"file_path,omitempty"`
	Category         string `json:"category,omitempty"`

	Source      DocumentSource `json:"source"`
	NeedsReview bool           `json:"needs_review"`
	IsReady     bool           `json:"is_ready"`

	// Gmail provenance
	GmailEmail        string `json:"gmail_email,omitempty"`
	GmailMessageID    string `json:"gmail_message_id,omitempty"`
	GmailAttachmentID string `json:"gmail_attachment_id,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// =============================================================================
// AttachmentCandidate - a PDF part discovered during change detection
// =============================================================================

// AttachmentCandidate identifies one attachment part of one message,
// before any bytes are fetched.
type AttachmentCandidate struct {
	MessageID    string
	AttachmentID string
	Filename     string
	MimeType     string
	Size         int64

	// Message envelope, kept as stub metadata
	Subject string
	From    string
	Date    string
}

// IsPDF reports whether a part looks like a PDF attachment, by filename
// extension or declared mime type.
func IsPDF(filename, mimeType string) bool {
	if strings.EqualFold(mimeType, "application/pdf") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

// StubTitle picks the stub title: the attachment filename when present,
// otherwise the message subject, otherwise a generic placeholder.
func (a *AttachmentCandidate) StubTitle() string {
	if a.Filename != "" {
		return a.Filename
	}
	if a.Subject != "" {
		return a.Subject
	}
	return "Document Gmail"
}
