package in

import (
	"context"

	"paipers_server/core/domain"

	"github.com/google/uuid"
)

// MailboxAuthService drives the OAuth connect flow for a mailbox.
type MailboxAuthService interface {
	// BuildAuthURL returns the consent URL carrying a signed state token.
	BuildAuthURL(userID uuid.UUID, platform string) (string, error)

	// HandleCallback verifies state, exchanges the code and upserts the connection.
	HandleCallback(ctx context.Context, code, state string) (*domain.MailboxConnection, error)

	// GetConnection returns the connection for a user.
	GetConnection(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error)

	// Disconnect stops the watch and removes the connection.
	Disconnect(ctx context.Context, userID uuid.UUID) error
}

// ScanResult summarizes one mailbox scan.
type ScanResult struct {
	Created   int  `json:"created"`
	FirstScan bool `json:"first_scan"`
}

// FleetScanResult summarizes a scan across all active mailboxes.
type FleetScanResult struct {
	Scanned int `json:"scanned"`
	Created int `json:"created"`
	Failed  int `json:"failed"`
}

// IntakeService drives attachment discovery and materialization.
type IntakeService interface {
	// ScanMailbox runs the poll detector for one user.
	ScanMailbox(ctx context.Context, userID uuid.UUID) (*ScanResult, error)

	// ProcessPushNotification runs the push detector for a mailbox email.
	ProcessPushNotification(ctx context.Context, email string, historyID uint64) error

	// MaterializeDocument fetches payload bytes for a stub and marks it ready.
	MaterializeDocument(ctx context.Context, documentID uuid.UUID) (*domain.Document, error)
}

// WatchService manages the Gmail push channel per mailbox.
type WatchService interface {
	StartWatch(ctx context.Context, userID uuid.UUID) error
	StopWatch(ctx context.Context, userID uuid.UUID) error
	RenewExpiring(ctx context.Context) (int, error)
}
