package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"paipers_server/core/port/out"
	"paipers_server/pkg/httputil"
	"paipers_server/pkg/logger"
)

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProviderPort using the Gmail API.
type GmailAdapter struct {
	config    *oauth2.Config
	projectID string
	topic     string
	cb        *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail OAuth configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	Topic        string
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg GmailConfig) *GmailAdapter {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// Terminal client errors say nothing about Gmail availability.
		// Counting them as successes keeps a burst of 404s from opening
		// the circuit for healthy callers.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			_, ok := err.(*nonCircuitError)
			return ok
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &GmailAdapter{
		config:    oauthConfig,
		projectID: cfg.ProjectID,
		topic:     cfg.Topic,
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// GetProviderType returns the provider identifier.
func (a *GmailAdapter) GetProviderType() string {
	return "gmail"
}

// =============================================================================
// MailAuthenticator
// =============================================================================

// GetAuthURL returns the OAuth consent URL for the given state.
func (a *GmailAdapter) GetAuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeToken exchanges an authorization code for tokens.
func (a *GmailAdapter) ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "Failed to exchange authorization code", err, false)
	}
	return token, nil
}

// RefreshToken refreshes an expired access token.
func (a *GmailAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	src := a.config.TokenSource(ctx, token)
	newToken, err := src.Token()
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Failed to refresh token", err, false)
	}
	return newToken, nil
}

// =============================================================================
// MailboxReader
// =============================================================================

// GetProfile returns the mailbox profile with its current history ID.
func (a *GmailAdapter) GetProfile(ctx context.Context, token *oauth2.Token) (*out.ProviderProfile, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	cbErr := a.executeWithCircuitBreaker(ctx, "GetProfile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get profile")
	}

	return &out.ProviderProfile{
		Email:     profile.EmailAddress,
		HistoryID: profile.HistoryId,
	}, nil
}

// ListMessages lists message IDs matching the search options.
func (a *GmailAdapter) ListMessages(ctx context.Context, token *oauth2.Token, opts *out.ProviderListOptions) (*out.ProviderListResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &out.ProviderListOptions{}
	}

	call := svc.Users.Messages.List("me").Context(ctx)
	if opts.Query != "" {
		call = call.Q(opts.Query)
	}
	if opts.MaxResults > 0 {
		call = call.MaxResults(opts.MaxResults)
	}
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}

	var resp *gmail.ListMessagesResponse
	cbErr := a.executeWithCircuitBreaker(ctx, "ListMessages", func() error {
		var apiErr error
		resp, apiErr = call.Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to list messages")
	}

	result := &out.ProviderListResult{
		MessageIDs:    make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		result.MessageIDs = append(result.MessageIDs, m.Id)
	}

	return result, nil
}

// GetMessage fetches a message with its headers and attachment metadata.
func (a *GmailAdapter) GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*out.ProviderMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	cbErr := a.executeWithCircuitBreaker(ctx, "GetMessage", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get message")
	}

	return a.convertMessage(msg), nil
}

func (a *GmailAdapter) convertMessage(msg *gmail.Message) *out.ProviderMessage {
	result := &out.ProviderMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "Subject":
				result.Subject = header.Value
			case "From":
				result.From = header.Value
			case "Date":
				result.Date = header.Value
			}
		}
		result.Attachments = a.extractAttachments(msg.Payload)
	}

	if result.Date == "" && msg.InternalDate > 0 {
		result.Date = time.Unix(0, msg.InternalDate*int64(time.Millisecond)).Format(time.RFC1123Z)
	}

	return result
}

// extractAttachments walks the MIME tree collecting downloadable attachments.
// Only parts carrying both a filename and an attachment ID can be fetched
// through the attachments endpoint, so anything else is skipped.
func (a *GmailAdapter) extractAttachments(part *gmail.MessagePart) []out.ProviderAttachment {
	var attachments []out.ProviderAttachment

	if part.Filename != "" && part.Body != nil && part.Body.AttachmentId != "" {
		attachments = append(attachments, out.ProviderAttachment{
			ID:       part.Body.AttachmentId,
			Filename: part.Filename,
			MimeType: part.MimeType,
			Size:     part.Body.Size,
		})
	}

	for _, p := range part.Parts {
		attachments = append(attachments, a.extractAttachments(p)...)
	}

	return attachments
}

// =============================================================================
// HistoryReader
// =============================================================================

// ListHistory returns message IDs added since the given history ID.
// A 404 from the history endpoint means the start ID is too old and the
// caller must fall back to a full scan.
func (a *GmailAdapter) ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistoryResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	result := &out.ProviderHistoryResult{
		NextHistoryID: startHistoryID,
	}
	seenIDs := make(map[string]bool)

	pageToken := ""
	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		cbErr := a.executeWithCircuitBreaker(ctx, "ListHistory", func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if cbErr != nil {
			if apiErr, ok := cbErr.(*googleapi.Error); ok && apiErr.Code == 404 {
				return nil, out.NewProviderError("gmail", out.ProviderErrSyncRequired, "Full sync required", cbErr, false)
			}
			return nil, a.wrapError(cbErr, "failed to list history")
		}

		for _, history := range resp.History {
			for _, added := range history.MessagesAdded {
				if added.Message == nil || seenIDs[added.Message.Id] {
					continue
				}
				seenIDs[added.Message.Id] = true
				result.MessageIDs = append(result.MessageIDs, added.Message.Id)
			}
		}

		if resp.HistoryId > result.NextHistoryID {
			result.NextHistoryID = resp.HistoryId
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return result, nil
}

// =============================================================================
// AttachmentFetcher
// =============================================================================

// GetAttachment downloads attachment bytes.
func (a *GmailAdapter) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var att *gmail.MessagePartBody
	cbErr := a.executeWithCircuitBreaker(ctx, "GetAttachment", func() error {
		var apiErr error
		att, apiErr = svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to get attachment")
	}

	data, err := base64.URLEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}

	return data, nil
}

// =============================================================================
// WatchManager
// =============================================================================

// Watch registers a Pub/Sub push subscription on the mailbox inbox.
func (a *GmailAdapter) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	topicName := fmt.Sprintf("projects/%s/topics/%s", a.projectID, a.topic)
	req := &gmail.WatchRequest{
		TopicName: topicName,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	cbErr := a.executeWithCircuitBreaker(ctx, "Watch", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if cbErr != nil {
		return nil, a.wrapError(cbErr, "failed to start watch")
	}

	return &out.ProviderWatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.Unix(0, resp.Expiration*int64(time.Millisecond)),
		TopicName:  topicName,
	}, nil
}

// StopWatch cancels the push subscription.
func (a *GmailAdapter) StopWatch(ctx context.Context, token *oauth2.Token) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}

	cbErr := a.executeWithCircuitBreaker(ctx, "StopWatch", func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
	if cbErr != nil {
		return a.wrapError(cbErr, "failed to stop watch")
	}

	return nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// getService creates an authenticated Gmail service for the given token.
func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	// Route token refreshes and API calls through the tuned client.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())

	return gmail.NewService(ctx, option.WithTokenSource(
		a.config.TokenSource(ctx, token),
	))
}

// executeWithCircuitBreaker runs fn through the circuit breaker. Client
// errors (4xx other than 429) must not trip the breaker, so they are
// wrapped before the breaker counts them and unwrapped afterwards.
func (a *GmailAdapter) executeWithCircuitBreaker(ctx context.Context, operation string, fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if apiErr, ok := err.(*googleapi.Error); ok {
				switch apiErr.Code {
				case 500, 502, 503, 429:
					return nil, err
				default:
					return nil, &nonCircuitError{err: err}
				}
			}
			return nil, err
		}
		return nil, nil
	})

	if err != nil {
		if nce, ok := err.(*nonCircuitError); ok {
			return nce.err
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			logger.WithField("operation", operation).Warn("Gmail circuit breaker open, request rejected")
			return out.NewProviderError("gmail", out.ProviderErrServer, "Gmail API temporarily unavailable", err, true)
		}
		return err
	}

	return nil
}

// nonCircuitError marks errors that should not count as breaker failures.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

func (e *nonCircuitError) Unwrap() error {
	return e.err
}

// wrapError converts Gmail API errors into provider errors.
func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if pe, ok := err.(*out.ProviderError); ok {
		return pe
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.MailProviderPort = (*GmailAdapter)(nil)
