package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/domain"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeProvider struct {
	exchangeToken  *oauth2.Token
	exchangeErr    error
	profile        *out.ProviderProfile
	profileErr     error
	refreshToken   *oauth2.Token
	refreshErr     error
	refreshCalled  bool
	stopWatchCalls int
}

func (f *fakeProvider) GetProviderType() string { return "gmail" }

func (f *fakeProvider) GetAuthURL(state string) string {
	return "https://accounts.test/auth?state=" + state
}

func (f *fakeProvider) ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error) {
	return f.exchangeToken, f.exchangeErr
}

func (f *fakeProvider) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	f.refreshCalled = true
	return f.refreshToken, f.refreshErr
}

func (f *fakeProvider) GetProfile(ctx context.Context, token *oauth2.Token) (*out.ProviderProfile, error) {
	return f.profile, f.profileErr
}

func (f *fakeProvider) ListMessages(ctx context.Context, token *oauth2.Token, opts *out.ProviderListOptions) (*out.ProviderListResult, error) {
	return &out.ProviderListResult{}, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*out.ProviderMessage, error) {
	return nil, persistence.ErrNotFound
}

func (f *fakeProvider) ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistoryResult, error) {
	return &out.ProviderHistoryResult{NextHistoryID: startHistoryID}, nil
}

func (f *fakeProvider) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error) {
	return nil, nil
}

func (f *fakeProvider) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	return &out.ProviderWatchResponse{}, nil
}

func (f *fakeProvider) StopWatch(ctx context.Context, token *oauth2.Token) error {
	f.stopWatchCalls++
	return nil
}

type fakeConnRepo struct {
	connections map[uuid.UUID]*domain.MailboxConnection

	upsertCalls       int
	updateTokensCalls int
	lastStatus        domain.ConnectionStatus
	deleted           []uuid.UUID
}

func newFakeConnRepo() *fakeConnRepo {
	return &fakeConnRepo{connections: make(map[uuid.UUID]*domain.MailboxConnection)}
}

func (f *fakeConnRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error) {
	conn, ok := f.connections[userID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnRepo) GetByEmail(ctx context.Context, email string) (*domain.MailboxConnection, error) {
	for _, conn := range f.connections {
		if conn.Email == email {
			return conn, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (f *fakeConnRepo) ListActive(ctx context.Context) ([]*domain.MailboxConnection, error) {
	var active []*domain.MailboxConnection
	for _, conn := range f.connections {
		if conn.IsActive() {
			active = append(active, conn)
		}
	}
	return active, nil
}

func (f *fakeConnRepo) Upsert(ctx context.Context, conn *domain.MailboxConnection) error {
	f.upsertCalls++
	f.connections[conn.UserID] = conn
	return nil
}

func (f *fakeConnRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	f.deleted = append(f.deleted, userID)
	delete(f.connections, userID)
	return nil
}

func (f *fakeConnRepo) UpdateTokens(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error {
	f.updateTokensCalls++
	if conn, ok := f.connections[userID]; ok {
		conn.AccessToken = accessToken
		conn.TokenExpiry = expiry
	}
	return nil
}

func (f *fakeConnRepo) SetStatus(ctx context.Context, userID uuid.UUID, status domain.ConnectionStatus) error {
	f.lastStatus = status
	if conn, ok := f.connections[userID]; ok {
		conn.Status = status
	}
	return nil
}

func (f *fakeConnRepo) UpdateHistoryIDIfGreater(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	if conn, ok := f.connections[userID]; ok && conn.LastHistoryID < historyID {
		conn.LastHistoryID = historyID
	}
	return nil
}

func (f *fakeConnRepo) ResetHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	if conn, ok := f.connections[userID]; ok {
		conn.LastHistoryID = historyID
	}
	return nil
}

func (f *fakeConnRepo) TouchScannedAt(ctx context.Context, userID uuid.UUID) error { return nil }

func (f *fakeConnRepo) SetLastProcessedMessage(ctx context.Context, userID uuid.UUID, messageID string) error {
	return nil
}

func (f *fakeConnRepo) UpdateWatchExpiry(ctx context.Context, userID uuid.UUID, expiry time.Time) error {
	return nil
}

func (f *fakeConnRepo) ListExpiringWatches(ctx context.Context, within time.Duration) ([]*domain.MailboxConnection, error) {
	return nil, nil
}

var (
	_ out.MailProviderPort     = (*fakeProvider)(nil)
	_ out.ConnectionRepository = (*fakeConnRepo)(nil)
)

// =============================================================================
// Tests
// =============================================================================

func newTestService(provider *fakeProvider, repo *fakeConnRepo) *MailboxAuthService {
	return NewMailboxAuthService(provider, repo, "test-state-secret", 10*time.Minute)
}

func TestBuildAuthURLRoundTrip(t *testing.T) {
	svc := newTestService(&fakeProvider{}, newFakeConnRepo())
	userID := uuid.New()

	url, err := svc.BuildAuthURL(userID, "web")
	if err != nil {
		t.Fatalf("BuildAuthURL: %v", err)
	}

	state := url[len("https://accounts.test/auth?state="):]
	gotUser, platform, err := svc.VerifyState(state)
	if err != nil {
		t.Fatalf("VerifyState: %v", err)
	}
	if gotUser != userID {
		t.Errorf("user id = %s, want %s", gotUser, userID)
	}
	if platform != "web" {
		t.Errorf("platform = %q, want web", platform)
	}
}

func TestBuildAuthURLRejectsNilUser(t *testing.T) {
	svc := newTestService(&fakeProvider{}, newFakeConnRepo())
	if _, err := svc.BuildAuthURL(uuid.Nil, "web"); err == nil {
		t.Fatal("expected error for nil user id")
	}
}

func TestVerifyStateRejectsTamperedToken(t *testing.T) {
	svc := newTestService(&fakeProvider{}, newFakeConnRepo())

	url, err := svc.BuildAuthURL(uuid.New(), "web")
	if err != nil {
		t.Fatalf("BuildAuthURL: %v", err)
	}
	state := url[len("https://accounts.test/auth?state="):]

	_, _, err = svc.VerifyState(state + "x")
	if err == nil {
		t.Fatal("expected error for tampered state")
	}
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeStateInvalid {
		t.Errorf("expected %s, got %v", apperr.CodeStateInvalid, err)
	}
}

func TestVerifyStateRejectsExpiredToken(t *testing.T) {
	provider := &fakeProvider{}
	repo := newFakeConnRepo()
	expired := NewMailboxAuthService(provider, repo, "test-state-secret", -1*time.Minute)

	url, err := expired.BuildAuthURL(uuid.New(), "web")
	if err != nil {
		t.Fatalf("BuildAuthURL: %v", err)
	}
	state := url[len("https://accounts.test/auth?state="):]

	if _, _, err := expired.VerifyState(state); err == nil {
		t.Fatal("expected error for expired state")
	}
}

func TestHandleCallbackUpsertsConnection(t *testing.T) {
	userID := uuid.New()
	provider := &fakeProvider{
		exchangeToken: &oauth2.Token{
			AccessToken:  "access",
			RefreshToken: "refresh",
			Expiry:       time.Now().Add(time.Hour),
		},
		profile: &out.ProviderProfile{Email: "user@gmail.com", HistoryID: 42},
	}
	repo := newFakeConnRepo()
	svc := newTestService(provider, repo)

	url, err := svc.BuildAuthURL(userID, "web")
	if err != nil {
		t.Fatalf("BuildAuthURL: %v", err)
	}
	state := url[len("https://accounts.test/auth?state="):]

	conn, err := svc.HandleCallback(context.Background(), "auth-code", state)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if conn.UserID != userID {
		t.Errorf("user id = %s, want %s", conn.UserID, userID)
	}
	if conn.Email != "user@gmail.com" {
		t.Errorf("email = %q", conn.Email)
	}
	if conn.Status != domain.ConnectionStatusActive {
		t.Errorf("status = %q, want active", conn.Status)
	}
	// The first scan adopts the mailbox baseline, the callback never does.
	if conn.LastHistoryID != 0 {
		t.Errorf("history cursor = %d, want 0", conn.LastHistoryID)
	}
	if repo.upsertCalls != 1 {
		t.Errorf("upsert calls = %d, want 1", repo.upsertCalls)
	}
}

func TestHandleCallbackRejectsInvalidState(t *testing.T) {
	svc := newTestService(&fakeProvider{}, newFakeConnRepo())
	if _, err := svc.HandleCallback(context.Background(), "code", "not-a-jwt"); err == nil {
		t.Fatal("expected error for invalid state")
	}
}

func TestGetValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestService(provider, newFakeConnRepo())

	conn := &domain.MailboxConnection{
		UserID:      uuid.New(),
		AccessToken: "access",
		TokenExpiry: time.Now().Add(time.Hour),
	}

	token, err := svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token.AccessToken != "access" {
		t.Errorf("access token = %q", token.AccessToken)
	}
	if provider.refreshCalled {
		t.Error("refresh should not run for a fresh token")
	}
}

func TestGetValidTokenRefreshesNearExpiry(t *testing.T) {
	userID := uuid.New()
	provider := &fakeProvider{
		refreshToken: &oauth2.Token{
			AccessToken: "rotated-access",
			Expiry:      time.Now().Add(time.Hour),
		},
	}
	repo := newFakeConnRepo()
	conn := &domain.MailboxConnection{
		UserID:       userID,
		AccessToken:  "stale",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Minute),
	}
	repo.connections[userID] = conn
	svc := newTestService(provider, repo)

	token, err := svc.GetValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token.AccessToken != "rotated-access" {
		t.Errorf("access token = %q, want rotated-access", token.AccessToken)
	}
	if repo.updateTokensCalls != 1 {
		t.Errorf("update tokens calls = %d, want 1", repo.updateTokensCalls)
	}
}

func TestGetValidTokenRevokedMarksReauthRequired(t *testing.T) {
	userID := uuid.New()
	provider := &fakeProvider{
		refreshErr: errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`),
	}
	repo := newFakeConnRepo()
	conn := &domain.MailboxConnection{
		UserID:       userID,
		Email:        "user@gmail.com",
		RefreshToken: "revoked",
		TokenExpiry:  time.Now().Add(-time.Minute),
	}
	repo.connections[userID] = conn
	svc := newTestService(provider, repo)

	_, err := svc.GetValidToken(context.Background(), conn)
	if err == nil {
		t.Fatal("expected error for revoked token")
	}
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeTokenExpired {
		t.Errorf("expected %s, got %v", apperr.CodeTokenExpired, err)
	}
	if repo.lastStatus != domain.ConnectionStatusReauthNeeded {
		t.Errorf("status = %q, want reauth_required", repo.lastStatus)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	userID := uuid.New()
	provider := &fakeProvider{}
	repo := newFakeConnRepo()
	repo.connections[userID] = &domain.MailboxConnection{
		UserID:      userID,
		Email:       "user@gmail.com",
		AccessToken: "access",
		TokenExpiry: time.Now().Add(time.Hour),
		Status:      domain.ConnectionStatusActive,
	}
	svc := newTestService(provider, repo)

	if err := svc.Disconnect(context.Background(), userID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if provider.stopWatchCalls != 1 {
		t.Errorf("stop watch calls = %d, want 1", provider.stopWatchCalls)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != userID {
		t.Errorf("deleted = %v, want [%s]", repo.deleted, userID)
	}
}
