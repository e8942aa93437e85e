package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"paipers_server/core/port/out"
)

func newTestAdapter() *GmailAdapter {
	return NewGmailAdapter(GmailConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost:8080/api/oauth/gmail/callback",
		ProjectID:    "test-project",
		Topic:        "paipers-gmail",
	})
}

func TestWrapError(t *testing.T) {
	a := newTestAdapter()

	tests := []struct {
		name          string
		err           error
		wantCode      out.ProviderErrorCode
		wantRetryable bool
	}{
		{
			name:          "unauthorized maps to token expired",
			err:           &googleapi.Error{Code: 401},
			wantCode:      out.ProviderErrTokenExpired,
			wantRetryable: false,
		},
		{
			name:          "forbidden maps to auth",
			err:           &googleapi.Error{Code: 403, Message: "Insufficient Permission"},
			wantCode:      out.ProviderErrAuth,
			wantRetryable: false,
		},
		{
			name:          "forbidden rate limit maps to rate limit",
			err:           &googleapi.Error{Code: 403, Message: "User Rate Limit Exceeded"},
			wantCode:      out.ProviderErrRateLimit,
			wantRetryable: true,
		},
		{
			name:          "not found maps to not found",
			err:           &googleapi.Error{Code: 404},
			wantCode:      out.ProviderErrNotFound,
			wantRetryable: false,
		},
		{
			name:          "too many requests maps to rate limit",
			err:           &googleapi.Error{Code: 429},
			wantCode:      out.ProviderErrRateLimit,
			wantRetryable: true,
		},
		{
			name:          "bad gateway maps to server",
			err:           &googleapi.Error{Code: 502},
			wantCode:      out.ProviderErrServer,
			wantRetryable: true,
		},
		{
			name:          "plain error maps to server",
			err:           errors.New("connection reset"),
			wantCode:      out.ProviderErrServer,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := a.wrapError(tt.err, "request failed")

			var pe *out.ProviderError
			if !errors.As(wrapped, &pe) {
				t.Fatalf("expected *out.ProviderError, got %T", wrapped)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", pe.Code, tt.wantCode)
			}
			if pe.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	a := newTestAdapter()
	if got := a.wrapError(nil, "should be nil"); got != nil {
		t.Errorf("wrapError(nil) = %v, want nil", got)
	}
}

func TestWrapErrorPassesThroughProviderError(t *testing.T) {
	a := newTestAdapter()

	orig := out.NewProviderError("gmail", out.ProviderErrSyncRequired, "Full sync required", nil, false)
	got := a.wrapError(orig, "fallback")
	if got != orig {
		t.Errorf("expected provider error to pass through unchanged, got %v", got)
	}
}

func TestExtractAttachments(t *testing.T) {
	a := newTestAdapter()

	payload := &gmail.MessagePart{
		MimeType: "multipart/mixed",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Size: 120},
			},
			{
				Filename: "facture-edf.pdf",
				MimeType: "application/pdf",
				Body:     &gmail.MessagePartBody{AttachmentId: "att-1", Size: 48211},
			},
			{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{
						Filename: "contrat.pdf",
						MimeType: "application/pdf",
						Body:     &gmail.MessagePartBody{AttachmentId: "att-2", Size: 90310},
					},
					{
						// inline image without attachment ID is not downloadable
						Filename: "logo.png",
						MimeType: "image/png",
						Body:     &gmail.MessagePartBody{Size: 2048},
					},
				},
			},
		},
	}

	attachments := a.extractAttachments(payload)
	if len(attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(attachments))
	}
	if attachments[0].ID != "att-1" || attachments[0].Filename != "facture-edf.pdf" {
		t.Errorf("unexpected first attachment: %+v", attachments[0])
	}
	if attachments[1].ID != "att-2" || attachments[1].Size != 90310 {
		t.Errorf("unexpected second attachment: %+v", attachments[1])
	}
}

func TestGetAuthURL(t *testing.T) {
	a := newTestAdapter()

	url := a.GetAuthURL("signed-state")
	for _, want := range []string{"access_type=offline", "prompt=consent", "state=signed-state", "client_id=client-id"} {
		if !strings.Contains(url, want) {
			t.Errorf("auth URL missing %q: %s", want, url)
		}
	}
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	a := newTestAdapter()
	notFound := &googleapi.Error{Code: 404, Message: "Requested entity was not found"}

	for i := 0; i < 10; i++ {
		err := a.executeWithCircuitBreaker(context.Background(), "messages.get", func() error {
			return notFound
		})
		if !errors.Is(err, notFound) {
			t.Fatalf("call %d: got %v, want the raw 404", i, err)
		}
	}

	// A healthy call right after the 404 burst must still go through.
	err := a.executeWithCircuitBreaker(context.Background(), "messages.get", func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("breaker rejected a healthy call after client errors: %v", err)
	}
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	a := newTestAdapter()
	unavailable := &googleapi.Error{Code: 503, Message: "Backend Error"}

	for i := 0; i < 6; i++ {
		_ = a.executeWithCircuitBreaker(context.Background(), "messages.get", func() error {
			return unavailable
		})
	}

	called := false
	err := a.executeWithCircuitBreaker(context.Background(), "messages.get", func() error {
		called = true
		return nil
	})
	if called {
		t.Error("fn must not run while the circuit is open")
	}
	pe, ok := err.(*out.ProviderError)
	if !ok || pe.Code != out.ProviderErrServer || !pe.Retryable {
		t.Fatalf("expected retryable server error, got %v", err)
	}
}
