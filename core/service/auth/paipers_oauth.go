package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/logger"
)

// refreshBuffer is how long before expiry a token is refreshed proactively.
const refreshBuffer = 5 * time.Minute

// stateClaims is the payload of the signed OAuth state token.
type stateClaims struct {
	UserID   string `json:"uid"`
	Platform string `json:"platform"`
	Nonce    string `json:"nonce"`
	jwt.RegisteredClaims
}

// MailboxAuthService handles the Gmail OAuth connect flow and token rotation.
type MailboxAuthService struct {
	provider    out.MailProviderPort
	connRepo    out.ConnectionRepository
	stateSecret []byte
	stateTTL    time.Duration
}

func NewMailboxAuthService(
	provider out.MailProviderPort,
	connRepo out.ConnectionRepository,
	stateSecret string,
	stateTTL time.Duration,
) *MailboxAuthService {
	return &MailboxAuthService{
		provider:    provider,
		connRepo:    connRepo,
		stateSecret: []byte(stateSecret),
		stateTTL:    stateTTL,
	}
}

// BuildAuthURL returns the Google consent URL with a signed state token.
// The state binds the callback to the requesting user so the callback
// handler never has to trust a user id from the query string.
func (s *MailboxAuthService) BuildAuthURL(userID uuid.UUID, platform string) (string, error) {
	if userID == uuid.Nil {
		return "", apperr.InvalidInput("user_id", "must not be empty")
	}
	if platform == "" {
		platform = "web"
	}

	now := time.Now()
	claims := stateClaims{
		UserID:   userID.String(),
		Platform: platform,
		Nonce:    uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.stateTTL)),
		},
	}

	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	return s.provider.GetAuthURL(state), nil
}

// VerifyState validates the signed state and returns the bound user id.
func (s *MailboxAuthService) VerifyState(state string) (uuid.UUID, string, error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.stateSecret, nil
	})
	if err != nil {
		return uuid.Nil, "", apperr.StateInvalid(err)
	}
	if !token.Valid {
		return uuid.Nil, "", apperr.StateInvalid(fmt.Errorf("state token is not valid"))
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, "", apperr.StateInvalid(fmt.Errorf("state carries an invalid user id: %w", err))
	}

	return userID, claims.Platform, nil
}

// HandleCallback verifies the state, exchanges the authorization code and
// upserts the mailbox connection. The history cursor starts at zero so the
// first scan adopts the mailbox baseline without emitting backlog.
func (s *MailboxAuthService) HandleCallback(ctx context.Context, code, state string) (*domain.MailboxConnection, error) {
	userID, platform, err := s.VerifyState(state)
	if err != nil {
		return nil, err
	}

	token, err := s.provider.ExchangeToken(ctx, code)
	if err != nil {
		return nil, apperr.OAuthFailed("gmail", err)
	}
	if token.RefreshToken == "" {
		logger.WithField("user_id", userID.String()).Warn("OAuth exchange returned no refresh token")
	}

	profile, err := s.provider.GetProfile(ctx, token)
	if err != nil {
		return nil, apperr.OAuthFailed("gmail", err)
	}

	conn := &domain.MailboxConnection{
		UserID:       userID,
		Email:        profile.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenExpiry:  token.Expiry,
		Status:       domain.ConnectionStatusActive,
	}

	if err := s.connRepo.Upsert(ctx, conn); err != nil {
		return nil, apperr.DatabaseError("failed to save mailbox connection", err)
	}

	logger.WithFields(map[string]interface{}{
		"user_id":  userID.String(),
		"email":    profile.Email,
		"platform": platform,
	}).Info("Gmail mailbox connected")

	return conn, nil
}

// GetConnection returns the mailbox connection for a user.
func (s *MailboxAuthService) GetConnection(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error) {
	conn, err := s.connRepo.GetByUserID(ctx, userID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return nil, apperr.NotFound("mailbox connection")
		}
		return nil, apperr.DatabaseError("failed to get mailbox connection", err)
	}
	return conn, nil
}

// Disconnect stops the push channel when possible and removes the connection.
func (s *MailboxAuthService) Disconnect(ctx context.Context, userID uuid.UUID) error {
	conn, err := s.GetConnection(ctx, userID)
	if err != nil {
		return err
	}

	// Best effort. A revoked token must not block the disconnect.
	if token, tokenErr := s.GetValidToken(ctx, conn); tokenErr == nil {
		if stopErr := s.provider.StopWatch(ctx, token); stopErr != nil {
			logger.WithError(stopErr).WithField("email", conn.Email).Warn("Failed to stop mailbox watch on disconnect")
		}
	}

	if err := s.connRepo.Delete(ctx, userID); err != nil {
		return apperr.DatabaseError("failed to delete mailbox connection", err)
	}

	logger.WithFields(map[string]interface{}{
		"user_id": userID.String(),
		"email":   conn.Email,
	}).Info("Gmail mailbox disconnected")

	return nil
}

// GetValidToken returns a usable access token for the connection, refreshing
// it when it expires within the buffer. A permanently revoked refresh token
// flips the connection to reauth_required instead of being retried.
func (s *MailboxAuthService) GetValidToken(ctx context.Context, conn *domain.MailboxConnection) (*oauth2.Token, error) {
	token := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       conn.TokenExpiry,
		TokenType:    "Bearer",
	}

	if time.Until(conn.TokenExpiry) >= refreshBuffer {
		return token, nil
	}

	newToken, err := s.provider.RefreshToken(ctx, token)
	if err != nil {
		if isTokenRevokedError(err) {
			logger.WithField("email", conn.Email).Warn("Refresh token revoked, re-authentication required")
			if statusErr := s.connRepo.SetStatus(ctx, conn.UserID, domain.ConnectionStatusReauthNeeded); statusErr != nil {
				logger.WithError(statusErr).Error("Failed to mark connection as reauth_required")
			}
			return nil, apperr.TokenExpired(conn.Email, err)
		}
		return nil, apperr.ExternalError("gmail", err)
	}

	conn.AccessToken = newToken.AccessToken
	conn.TokenExpiry = newToken.Expiry
	if newToken.RefreshToken != "" && newToken.RefreshToken != conn.RefreshToken {
		// Google occasionally rotates the refresh token on refresh.
		conn.RefreshToken = newToken.RefreshToken
		if err := s.connRepo.Upsert(ctx, conn); err != nil {
			return nil, apperr.DatabaseError("failed to save rotated tokens", err)
		}
	} else if err := s.connRepo.UpdateTokens(ctx, conn.UserID, newToken.AccessToken, newToken.Expiry); err != nil {
		return nil, apperr.DatabaseError("failed to save refreshed token", err)
	}

	return newToken, nil
}

// isTokenRevokedError checks if the error indicates a permanently invalid token.
func isTokenRevokedError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "invalid_client") ||
		strings.Contains(errStr, "Token has been expired or revoked") ||
		strings.Contains(errStr, "Token has been revoked")
}

var _ in.MailboxAuthService = (*MailboxAuthService)(nil)
