// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProviderPort defines the outbound port for the mail provider.
type MailProviderPort interface {
	GetProviderType() string

	MailAuthenticator
	MailboxReader
	HistoryReader
	AttachmentFetcher
	WatchManager
}

// =============================================================================
// Sub-interfaces
// =============================================================================

// MailAuthenticator handles OAuth authentication.
type MailAuthenticator interface {
	GetAuthURL(state string) string
	ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// MailboxReader reads profile and messages.
type MailboxReader interface {
	GetProfile(ctx context.Context, token *oauth2.Token) (*ProviderProfile, error)
	ListMessages(ctx context.Context, token *oauth2.Token, opts *ProviderListOptions) (*ProviderListResult, error)
	GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*ProviderMessage, error)
}

// HistoryReader walks the provider change log.
type HistoryReader interface {
	ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*ProviderHistoryResult, error)
}

// AttachmentFetcher downloads attachment payloads.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error)
}

// WatchManager manages the push notification channel.
type WatchManager interface {
	Watch(ctx context.Context, token *oauth2.Token) (*ProviderWatchResponse, error)
	StopWatch(ctx context.Context, token *oauth2.Token) error
}

// =============================================================================
// Provider Types
// =============================================================================

// ProviderProfile represents the mailbox profile.
type ProviderProfile struct {
	Email     string
	HistoryID uint64
}

// ProviderListOptions represents list query options.
type ProviderListOptions struct {
	Query      string
	MaxResults int64
	PageToken  string
}

// ProviderListResult represents a message listing.
type ProviderListResult struct {
	MessageIDs    []string
	NextPageToken string
}

// ProviderMessage represents one hydrated message.
type ProviderMessage struct {
	ID       string
	ThreadID string

	Subject string
	From    string
	Date    string
	Snippet string

	Attachments []ProviderAttachment
}

// ProviderAttachment represents one attachment part of a message.
type ProviderAttachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
}

// ProviderHistoryResult represents the outcome of a history walk.
// MessageIDs are deduplicated ids of added messages since the cursor.
type ProviderHistoryResult struct {
	MessageIDs    []string
	NextHistoryID uint64
}

// ProviderWatchResponse represents a push notification subscription.
type ProviderWatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
	TopicName  string
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsSyncRequired reports whether err signals an expired history cursor.
func IsSyncRequired(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == ProviderErrSyncRequired
	}
	return false
}
