package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MailboxConnection - one linked Gmail mailbox per user
// =============================================================================

type ConnectionStatus string

const (
	ConnectionStatusActive       ConnectionStatus = "active"
	ConnectionStatusReauthNeeded ConnectionStatus = "reauth_required"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// MailboxConnection holds the credential and sync cursor for a mailbox.
// The user id is the canonical key; email is an attribute of the connection.
type MailboxConnection struct {
	ID     int64     `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`

	// Tokens are AES-GCM encrypted at rest; in memory they are plaintext.
	RefreshToken string    `json:"-"`
	AccessToken  string    `json:"-"`
	TokenExpiry  time.Time `json:"-"`

	// Sync cursor
	LastHistoryID          uint64     `json:"last_history_id,omitempty"`
	LastProcessedMessageID string     `json:"last_processed_message_id,omitempty"`
	LastScannedAt          *time.Time `json:"last_scanned_at,omitempty"`

	// Gmail push watch
	WatchExpiry *time.Time `json:"watch_expiry,omitempty"`

	Status    ConnectionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IsFirstScan reports whether this mailbox has never completed a scan.
func (c *MailboxConnection) IsFirstScan() bool {
	return c.LastHistoryID == 0
}

// IsActive reports whether the connection can be synced.
func (c *MailboxConnection) IsActive() bool {
	return c.Status == ConnectionStatusActive
}

// WatchExpiring reports whether the push watch expires within the window.
func (c *MailboxConnection) WatchExpiring(window time.Duration) bool {
	if c.WatchExpiry == nil {
		return true
	}
	return time.Until(*c.WatchExpiry) < window
}
