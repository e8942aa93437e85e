// Package persistence provides database adapters.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paipers_server/core/domain"
	"paipers_server/core/port/out"
	"paipers_server/pkg/crypto"
	"paipers_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// ConnectionAdapter - mailbox credential and cursor store (PostgreSQL)
// =============================================================================

type ConnectionAdapter struct {
	db                *sqlx.DB
	encryptionEnabled bool
}

// NewConnectionAdapter creates a new ConnectionAdapter.
func NewConnectionAdapter(db *sqlx.DB) *ConnectionAdapter {
	err := crypto.Init()
	encryptionEnabled := err == nil
	if !encryptionEnabled {
		logger.Warn("Token encryption disabled: %v", err)
	} else {
		logger.Info("Token encryption enabled")
	}

	return &ConnectionAdapter{
		db:                db,
		encryptionEnabled: encryptionEnabled,
	}
}

// =============================================================================
// Entity
// =============================================================================

type connectionEntity struct {
	ID           int64          `db:"id"`
	UserID       uuid.UUID      `db:"user_id"`
	Email        string         `db:"email"`
	RefreshToken string         `db:"refresh_token"`
	AccessToken  sql.NullString `db:"access_token"`
	TokenExpiry  sql.NullTime   `db:"token_expiry"`

	LastHistoryID          sql.NullInt64  `db:"last_history_id"`
	LastProcessedMessageID sql.NullString `db:"last_processed_message_id"`
	LastScannedAt          sql.NullTime   `db:"last_scanned_at"`
	WatchExpiry            sql.NullTime   `db:"watch_expiry"`

	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *connectionEntity) toDomain() *domain.MailboxConnection {
	conn := &domain.MailboxConnection{
		ID:           e.ID,
		UserID:       e.UserID,
		Email:        e.Email,
		RefreshToken: e.RefreshToken,
		Status:       domain.ConnectionStatus(e.Status),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}

	if e.AccessToken.Valid {
		conn.AccessToken = e.AccessToken.String
	}
	if e.TokenExpiry.Valid {
		conn.TokenExpiry = e.TokenExpiry.Time
	}
	if e.LastHistoryID.Valid {
		conn.LastHistoryID = uint64(e.LastHistoryID.Int64)
	}
	if e.LastProcessedMessageID.Valid {
		conn.LastProcessedMessageID = e.LastProcessedMessageID.String
	}
	if e.LastScannedAt.Valid {
		t := e.LastScannedAt.Time
		conn.LastScannedAt = &t
	}
	if e.WatchExpiry.Valid {
		t := e.WatchExpiry.Time
		conn.WatchExpiry = &t
	}
	return conn
}

const connectionColumns = `
	id, user_id, email, refresh_token, access_token, token_expiry,
	last_history_id, last_processed_message_id, last_scanned_at, watch_expiry,
	status, created_at, updated_at`

// =============================================================================
// Token encryption helpers
// =============================================================================

func (a *ConnectionAdapter) encryptToken(token string) string {
	if !a.encryptionEnabled || token == "" {
		return token
	}
	encrypted, err := crypto.EncryptToken(token)
	if err != nil {
		logger.Warn("Failed to encrypt token: %v", err)
		return token
	}
	return encrypted
}

func (a *ConnectionAdapter) decryptToken(token string) string {
	if token == "" {
		return token
	}
	if !crypto.IsEncrypted(token) {
		return token
	}
	decrypted, err := crypto.DecryptToken(token)
	if err != nil {
		// Legacy plaintext rows decode fine as-is
		return token
	}
	return decrypted
}

func (a *ConnectionAdapter) decryptEntity(e *connectionEntity) {
	if e == nil {
		return
	}
	e.RefreshToken = a.decryptToken(e.RefreshToken)
	if e.AccessToken.Valid {
		e.AccessToken.String = a.decryptToken(e.AccessToken.String)
	}
}

// =============================================================================
// Reads
// =============================================================================

// GetByUserID returns the connection for a user.
func (a *ConnectionAdapter) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error) {
	var entity connectionEntity
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE user_id = $1`

	if err := a.db.GetContext(ctx, &entity, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.decryptEntity(&entity)
	return entity.toDomain(), nil
}

// GetByEmail returns the connection bound to a mailbox email.
func (a *ConnectionAdapter) GetByEmail(ctx context.Context, email string) (*domain.MailboxConnection, error) {
	var entity connectionEntity
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE email = $1
		LIMIT 1`

	if err := a.db.GetContext(ctx, &entity, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.decryptEntity(&entity)
	return entity.toDomain(), nil
}

// ListActive returns every connection eligible for scanning.
func (a *ConnectionAdapter) ListActive(ctx context.Context) ([]*domain.MailboxConnection, error) {
	var entities []*connectionEntity
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE status = $1
		ORDER BY created_at`

	if err := a.db.SelectContext(ctx, &entities, query, string(domain.ConnectionStatusActive)); err != nil {
		return nil, err
	}

	conns := make([]*domain.MailboxConnection, 0, len(entities))
	for _, e := range entities {
		a.decryptEntity(e)
		conns = append(conns, e.toDomain())
	}
	return conns, nil
}

// ListExpiringWatches returns active connections whose watch expires within
// the window, including those with no watch at all.
func (a *ConnectionAdapter) ListExpiringWatches(ctx context.Context, within time.Duration) ([]*domain.MailboxConnection, error) {
	var entities []*connectionEntity
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE status = $1
		  AND (watch_expiry IS NULL OR watch_expiry < $2)
		ORDER BY watch_expiry NULLS FIRST`

	deadline := time.Now().Add(within)
	if err := a.db.SelectContext(ctx, &entities, query, string(domain.ConnectionStatusActive), deadline); err != nil {
		return nil, err
	}

	conns := make([]*domain.MailboxConnection, 0, len(entities))
	for _, e := range entities {
		a.decryptEntity(e)
		conns = append(conns, e.toDomain())
	}
	return conns, nil
}

// =============================================================================
// Writes
// =============================================================================

// Upsert creates or replaces the connection for a user. The user id is the
// conflict key; a reconnect with a new mailbox email overwrites the old one.
func (a *ConnectionAdapter) Upsert(ctx context.Context, conn *domain.MailboxConnection) error {
	query := `
		INSERT INTO mailbox_connections (user_id, email, refresh_token, access_token, token_expiry,
		                                 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			refresh_token = EXCLUDED.refresh_token,
			access_token = EXCLUDED.access_token,
			token_expiry = EXCLUDED.token_expiry,
			status = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return a.db.QueryRowContext(ctx, query,
		conn.UserID,
		conn.Email,
		a.encryptToken(conn.RefreshToken),
		toNullableString(a.encryptToken(conn.AccessToken)),
		toNullableTime(conn.TokenExpiry),
		string(conn.Status),
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
}

// Delete removes the connection for a user.
func (a *ConnectionAdapter) Delete(ctx context.Context, userID uuid.UUID) error {
	query := `DELETE FROM mailbox_connections WHERE user_id = $1`
	_, err := a.db.ExecContext(ctx, query, userID)
	return err
}

// UpdateTokens stores a rotated access token.
func (a *ConnectionAdapter) UpdateTokens(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error {
	query := `
		UPDATE mailbox_connections
		SET access_token = $1, token_expiry = $2, updated_at = NOW()
		WHERE user_id = $3`

	_, err := a.db.ExecContext(ctx, query,
		toNullableString(a.encryptToken(accessToken)),
		toNullableTime(expiry),
		userID,
	)
	return err
}

// SetStatus updates the connection status.
func (a *ConnectionAdapter) SetStatus(ctx context.Context, userID uuid.UUID, status domain.ConnectionStatus) error {
	query := `
		UPDATE mailbox_connections
		SET status = $1, updated_at = NOW()
		WHERE user_id = $2`

	_, err := a.db.ExecContext(ctx, query, string(status), userID)
	return err
}

// =============================================================================
// Cursor
// =============================================================================

// UpdateHistoryIDIfGreater advances the cursor only forward.
func (a *ConnectionAdapter) UpdateHistoryIDIfGreater(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	query := `
		UPDATE mailbox_connections
		SET last_history_id = $1, updated_at = NOW()
		WHERE user_id = $2
		  AND (last_history_id IS NULL OR last_history_id < $1)`

	_, err := a.db.ExecContext(ctx, query, int64(historyID), userID)
	return err
}

// ResetHistoryID re-baselines the cursor after the provider expired it.
func (a *ConnectionAdapter) ResetHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	query := `
		UPDATE mailbox_connections
		SET last_history_id = $1, updated_at = NOW()
		WHERE user_id = $2`

	_, err := a.db.ExecContext(ctx, query, int64(historyID), userID)
	return err
}

// TouchScannedAt records a completed scan pass.
func (a *ConnectionAdapter) TouchScannedAt(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE mailbox_connections
		SET last_scanned_at = NOW(), updated_at = NOW()
		WHERE user_id = $1`

	_, err := a.db.ExecContext(ctx, query, userID)
	return err
}

// SetLastProcessedMessage records the newest fully processed message.
func (a *ConnectionAdapter) SetLastProcessedMessage(ctx context.Context, userID uuid.UUID, messageID string) error {
	query := `
		UPDATE mailbox_connections
		SET last_processed_message_id = $1, updated_at = NOW()
		WHERE user_id = $2`

	_, err := a.db.ExecContext(ctx, query, toNullableString(messageID), userID)
	return err
}

// UpdateWatchExpiry records the push watch expiration.
func (a *ConnectionAdapter) UpdateWatchExpiry(ctx context.Context, userID uuid.UUID, expiry time.Time) error {
	query := `
		UPDATE mailbox_connections
		SET watch_expiry = $1, updated_at = NOW()
		WHERE user_id = $2`

	_, err := a.db.ExecContext(ctx, query, toNullableTime(expiry), userID)
	return err
}

// Ensure ConnectionAdapter implements out.ConnectionRepository
var _ out.ConnectionRepository = (*ConnectionAdapter)(nil)
