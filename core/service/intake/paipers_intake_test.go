package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
	profile       *out.ProviderProfile
	profileCalls  int
	messages      map[string]*out.ProviderMessage
	listResult    []string
	listErr       error
	historyResult *out.ProviderHistoryResult
	historyErr    error
	attachments   map[string][]byte
	attachmentErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		profile:     &out.ProviderProfile{Email: "user@gmail.com", HistoryID: 100},
		messages:    make(map[string]*out.ProviderMessage),
		attachments: make(map[string][]byte),
	}
}

func (f *fakeProvider) GetProviderType() string        { return "gmail" }
func (f *fakeProvider) GetAuthURL(state string) string { return "https://auth?state=" + state }
func (f *fakeProvider) ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	return token, nil
}

func (f *fakeProvider) GetProfile(ctx context.Context, token *oauth2.Token) (*out.ProviderProfile, error) {
	f.profileCalls++
	return f.profile, nil
}

func (f *fakeProvider) ListMessages(ctx context.Context, token *oauth2.Token, opts *out.ProviderListOptions) (*out.ProviderListResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &out.ProviderListResult{MessageIDs: f.listResult}, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*out.ProviderMessage, error) {
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", nil, false)
	}
	return msg, nil
}

func (f *fakeProvider) ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistoryResult, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.historyResult, nil
}

func (f *fakeProvider) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error) {
	if f.attachmentErr != nil {
		return nil, f.attachmentErr
	}
	data, ok := f.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", nil, false)
	}
	return data, nil
}

func (f *fakeProvider) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	return &out.ProviderWatchResponse{Expiration: time.Now().Add(7 * 24 * time.Hour)}, nil
}

func (f *fakeProvider) StopWatch(ctx context.Context, token *oauth2.Token) error { return nil }

type fakeConnRepo struct {
	byUser map[uuid.UUID]*domain.MailboxConnection
}

func newFakeConnRepo(conns ...*domain.MailboxConnection) *fakeConnRepo {
	repo := &fakeConnRepo{byUser: make(map[uuid.UUID]*domain.MailboxConnection)}
	for _, c := range conns {
		repo.byUser[c.UserID] = c
	}
	return repo
}

func (f *fakeConnRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.MailboxConnection, error) {
	conn, ok := f.byUser[userID]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return conn, nil
}

func (f *fakeConnRepo) GetByEmail(ctx context.Context, email string) (*domain.MailboxConnection, error) {
	for _, c := range f.byUser {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (f *fakeConnRepo) ListActive(ctx context.Context) ([]*domain.MailboxConnection, error) {
	var active []*domain.MailboxConnection
	for _, c := range f.byUser {
		if c.IsActive() {
			active = append(active, c)
		}
	}
	return active, nil
}

func (f *fakeConnRepo) Upsert(ctx context.Context, conn *domain.MailboxConnection) error {
	f.byUser[conn.UserID] = conn
	return nil
}

func (f *fakeConnRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	delete(f.byUser, userID)
	return nil
}

func (f *fakeConnRepo) UpdateTokens(ctx context.Context, userID uuid.UUID, accessToken string, expiry time.Time) error {
	return nil
}

func (f *fakeConnRepo) SetStatus(ctx context.Context, userID uuid.UUID, status domain.ConnectionStatus) error {
	if c, ok := f.byUser[userID]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeConnRepo) UpdateHistoryIDIfGreater(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	if c, ok := f.byUser[userID]; ok && c.LastHistoryID < historyID {
		c.LastHistoryID = historyID
	}
	return nil
}

func (f *fakeConnRepo) ResetHistoryID(ctx context.Context, userID uuid.UUID, historyID uint64) error {
	if c, ok := f.byUser[userID]; ok {
		c.LastHistoryID = historyID
	}
	return nil
}

func (f *fakeConnRepo) TouchScannedAt(ctx context.Context, userID uuid.UUID) error {
	if c, ok := f.byUser[userID]; ok {
		now := time.Now()
		c.LastScannedAt = &now
	}
	return nil
}

func (f *fakeConnRepo) SetLastProcessedMessage(ctx context.Context, userID uuid.UUID, messageID string) error {
	if c, ok := f.byUser[userID]; ok {
		c.LastProcessedMessageID = messageID
	}
	return nil
}

func (f *fakeConnRepo) UpdateWatchExpiry(ctx context.Context, userID uuid.UUID, expiry time.Time) error {
	if c, ok := f.byUser[userID]; ok {
		c.WatchExpiry = &expiry
	}
	return nil
}

func (f *fakeConnRepo) ListExpiringWatches(ctx context.Context, within time.Duration) ([]*domain.MailboxConnection, error) {
	return nil, nil
}

type fakeDocRepo struct {
	docs map[uuid.UUID]*domain.Document
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: make(map[uuid.UUID]*domain.Document)}
}

func (f *fakeDocRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return doc, nil
}

func (f *fakeDocRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Document, error) {
	var docs []*domain.Document
	for _, d := range f.docs {
		if d.UserID == userID {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (f *fakeDocRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.Document, error) {
	var docs []*domain.Document
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

func (f *fakeDocRepo) Exists(ctx context.Context, userID uuid.UUID, gmailMessageID, gmailAttachmentID string) (bool, error) {
	for _, d := range f.docs {
		if d.UserID == userID && d.GmailMessageID == gmailMessageID && d.GmailAttachmentID == gmailAttachmentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeDocRepo) Create(ctx context.Context, doc *domain.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.CreatedAt = time.Now()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocRepo) Materialize(ctx context.Context, doc *domain.Document) error {
	stored, ok := f.docs[doc.ID]
	if !ok {
		return persistence.ErrNotFound
	}
	*stored = *doc
	return nil
}

func (f *fakeDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.docs, id)
	return nil
}

type fakeBlobStore struct {
	blobs  map[string][]byte
	putErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, path string, data []byte, mimeType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.blobs[path] = data
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, path string) ([]byte, string, error) {
	data, ok := f.blobs[path]
	if !ok {
		return nil, "", errors.New("blob not found")
	}
	return data, "application/pdf", nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, path string) error {
	delete(f.blobs, path)
	return nil
}

type fakeClassifier struct {
	result *out.Classification
	err    error
}

func (f *fakeClassifier) Classify(ctx context.Context, filename, subject, from string) (*out.Classification, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &out.Classification{Category: domain.CategoryInvoice, Title: "Facture EDF"}, nil
}

type fakeTokens struct{}

func (fakeTokens) GetValidToken(ctx context.Context, conn *domain.MailboxConnection) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

var (
	_ out.MailProviderPort     = (*fakeProvider)(nil)
	_ out.ConnectionRepository = (*fakeConnRepo)(nil)
	_ out.DocumentRepository   = (*fakeDocRepo)(nil)
	_ out.BlobStore            = (*fakeBlobStore)(nil)
	_ out.DocumentClassifier   = (*fakeClassifier)(nil)
)

// =============================================================================
// Helpers
// =============================================================================

func activeConnection(userID uuid.UUID, historyID uint64) *domain.MailboxConnection {
	return &domain.MailboxConnection{
		ID:            1,
		UserID:        userID,
		Email:         "user@gmail.com",
		Status:        domain.ConnectionStatusActive,
		LastHistoryID: historyID,
		TokenExpiry:   time.Now().Add(time.Hour),
	}
}

func pdfMessage(id, filename string) *out.ProviderMessage {
	return &out.ProviderMessage{
		ID:      id,
		Subject: "Votre facture",
		From:    "EDF <noreply@edf.fr>",
		Date:    "Mon, 31 Aug 2026 10:00:00 +0200",
		Attachments: []out.ProviderAttachment{
			{ID: "att-" + id, Filename: filename, MimeType: "application/pdf", Size: 1024},
		},
	}
}

func newService(provider *fakeProvider, connRepo *fakeConnRepo, docRepo *fakeDocRepo, blobs *fakeBlobStore) *IntakeService {
	return NewIntakeService(provider, connRepo, docRepo, blobs, &fakeClassifier{}, fakeTokens{}, DefaultConfig())
}

// =============================================================================
// Scan
// =============================================================================

func TestScanMailboxFirstScanAdoptsBaseline(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 0)
	provider := newFakeProvider()
	provider.listResult = []string{"m1"}
	provider.messages["m1"] = pdfMessage("m1", "facture.pdf")
	docRepo := newFakeDocRepo()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	result, err := svc.ScanMailbox(context.Background(), userID)
	if err != nil {
		t.Fatalf("ScanMailbox: %v", err)
	}

	if !result.FirstScan {
		t.Error("expected first scan")
	}
	if result.Created != 0 {
		t.Errorf("created = %d, want 0 on first scan", result.Created)
	}
	if conn.LastHistoryID != 100 {
		t.Errorf("history cursor = %d, want 100 from profile", conn.LastHistoryID)
	}
	if len(docRepo.docs) != 0 {
		t.Errorf("expected no documents on first scan, got %d", len(docRepo.docs))
	}
}

func TestScanMailboxCreatesStubs(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.profile.HistoryID = 120
	provider.listResult = []string{"m1", "m2"}
	provider.messages["m1"] = pdfMessage("m1", "facture-edf.pdf")
	provider.messages["m2"] = &out.ProviderMessage{
		ID:      "m2",
		Subject: "Photos de vacances",
		Attachments: []out.ProviderAttachment{
			{ID: "att-img", Filename: "photo.jpg", MimeType: "image/jpeg", Size: 2048},
		},
	}
	docRepo := newFakeDocRepo()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	result, err := svc.ScanMailbox(context.Background(), userID)
	if err != nil {
		t.Fatalf("ScanMailbox: %v", err)
	}

	if result.Created != 1 {
		t.Fatalf("created = %d, want 1", result.Created)
	}
	if result.FirstScan {
		t.Error("not a first scan")
	}

	var doc *domain.Document
	for _, d := range docRepo.docs {
		doc = d
	}
	if doc.IsReady {
		t.Error("stub must not be ready before materialization")
	}
	if !doc.NeedsReview {
		t.Error("stub must need review")
	}
	if doc.Title != "facture-edf.pdf" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.GmailMessageID != "m1" || doc.GmailAttachmentID != "att-m1" {
		t.Errorf("provenance = %q/%q", doc.GmailMessageID, doc.GmailAttachmentID)
	}
	if doc.Metadata["subject"] != "Votre facture" {
		t.Errorf("metadata subject = %q", doc.Metadata["subject"])
	}
	if conn.LastHistoryID != 120 {
		t.Errorf("history cursor = %d, want 120", conn.LastHistoryID)
	}
	if conn.LastScannedAt == nil {
		t.Error("scan time not recorded")
	}
}

func TestScanMailboxIsIdempotent(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.listResult = []string{"m1"}
	provider.messages["m1"] = pdfMessage("m1", "facture.pdf")
	docRepo := newFakeDocRepo()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	first, err := svc.ScanMailbox(context.Background(), userID)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, err := svc.ScanMailbox(context.Background(), userID)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}

	if first.Created != 1 || second.Created != 0 {
		t.Errorf("created = %d then %d, want 1 then 0", first.Created, second.Created)
	}
	if len(docRepo.docs) != 1 {
		t.Errorf("documents = %d, want 1", len(docRepo.docs))
	}
}

func TestScanMailboxCursorNeverMovesBackward(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 200)
	provider := newFakeProvider()
	provider.profile.HistoryID = 150 // stale profile read
	svc := newService(provider, newFakeConnRepo(conn), newFakeDocRepo(), newFakeBlobStore())

	if _, err := svc.ScanMailbox(context.Background(), userID); err != nil {
		t.Fatalf("ScanMailbox: %v", err)
	}
	if conn.LastHistoryID != 200 {
		t.Errorf("history cursor = %d, want 200 (must not regress)", conn.LastHistoryID)
	}
}

func TestScanMailboxMultiplePDFPartsPerMessage(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.listResult = []string{"m1"}
	provider.messages["m1"] = &out.ProviderMessage{
		ID:      "m1",
		Subject: "Deux documents",
		Attachments: []out.ProviderAttachment{
			{ID: "a1", Filename: "contrat.pdf", MimeType: "application/pdf"},
			{ID: "a2", Filename: "annexe.pdf", MimeType: "application/pdf"},
			{ID: "a3", Filename: "logo.png", MimeType: "image/png"},
		},
	}
	svc := newService(provider, newFakeConnRepo(conn), newFakeDocRepo(), newFakeBlobStore())

	result, err := svc.ScanMailbox(context.Background(), userID)
	if err != nil {
		t.Fatalf("ScanMailbox: %v", err)
	}
	if result.Created != 2 {
		t.Errorf("created = %d, want 2 (one per PDF part)", result.Created)
	}
}

func TestScanMailboxUnknownUser(t *testing.T) {
	svc := newService(newFakeProvider(), newFakeConnRepo(), newFakeDocRepo(), newFakeBlobStore())

	_, err := svc.ScanMailbox(context.Background(), uuid.New())
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeNotFound {
		t.Errorf("expected %s, got %v", apperr.CodeNotFound, err)
	}
}

func TestScanMailboxInactiveConnection(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	conn.Status = domain.ConnectionStatusReauthNeeded
	svc := newService(newFakeProvider(), newFakeConnRepo(conn), newFakeDocRepo(), newFakeBlobStore())

	_, err := svc.ScanMailbox(context.Background(), userID)
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeTokenExpired {
		t.Errorf("expected %s, got %v", apperr.CodeTokenExpired, err)
	}
}

// =============================================================================
// Materialize
// =============================================================================

func TestMaterializeDocument(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4 fake payload")
	docRepo := newFakeDocRepo()
	blobs := newFakeBlobStore()

	doc := &domain.Document{
		UserID:            userID,
		Title:             "Facture électricité.pdf",
		OriginalFilename:  "Facture électricité.pdf",
		MimeType:          "application/pdf",
		Source:            domain.SourceGmail,
		NeedsReview:       true,
		GmailEmail:        conn.Email,
		GmailMessageID:    "m1",
		GmailAttachmentID: "att-m1",
		Metadata:          map[string]string{"subject": "Votre facture", "from": "EDF"},
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := newService(provider, newFakeConnRepo(conn), docRepo, blobs)

	got, err := svc.MaterializeDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("MaterializeDocument: %v", err)
	}

	if !got.IsReady {
		t.Error("document must be ready after materialization")
	}
	if got.NeedsReview {
		t.Error("materialized document must not need review")
	}
	if got.Category != domain.CategoryInvoice {
		t.Errorf("category = %q, want %s", got.Category, domain.CategoryInvoice)
	}
	if got.Title != "Facture EDF" {
		t.Errorf("title = %q", got.Title)
	}

	wantPath := fmt.Sprintf("%s/%s_Facture_electricite.pdf", userID, doc.ID)
	if got.FilePath != wantPath {
		t.Errorf("path = %q, want %q", got.FilePath, wantPath)
	}
	if _, ok := blobs.blobs[wantPath]; !ok {
		t.Errorf("payload not stored at %q", wantPath)
	}
	if conn.LastProcessedMessageID != "m1" {
		t.Errorf("last processed message = %q, want m1", conn.LastProcessedMessageID)
	}
}

func TestMaterializeDocumentAlreadyReady(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	docRepo := newFakeDocRepo()

	doc := &domain.Document{
		UserID:   userID,
		Title:    "Facture EDF",
		IsReady:  true,
		FilePath: "already/stored.pdf",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	got, err := svc.MaterializeDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("MaterializeDocument: %v", err)
	}
	if got.FilePath != "already/stored.pdf" {
		t.Errorf("ready document must be returned unchanged, path = %q", got.FilePath)
	}
}

func TestMaterializeDocumentDownloadFailureLeavesStub(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.attachmentErr = out.NewProviderError("gmail", out.ProviderErrServer, "Server error", nil, true)
	docRepo := newFakeDocRepo()

	doc := &domain.Document{
		UserID:            userID,
		Title:             "facture.pdf",
		OriginalFilename:  "facture.pdf",
		GmailMessageID:    "m1",
		GmailAttachmentID: "att-m1",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	_, err := svc.MaterializeDocument(context.Background(), doc.ID)
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeDownloadFailed {
		t.Fatalf("expected %s, got %v", apperr.CodeDownloadFailed, err)
	}

	stored := docRepo.docs[doc.ID]
	if stored.IsReady {
		t.Error("document must stay not ready after a failed download")
	}
}

func TestMaterializeDocumentUploadFailureLeavesStub(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()
	blobs := newFakeBlobStore()
	blobs.putErr = errors.New("mongo unavailable")

	doc := &domain.Document{
		UserID:            userID,
		OriginalFilename:  "facture.pdf",
		GmailMessageID:    "m1",
		GmailAttachmentID: "att-m1",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := newService(provider, newFakeConnRepo(conn), docRepo, blobs)

	_, err := svc.MaterializeDocument(context.Background(), doc.ID)
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeUploadFailed {
		t.Fatalf("expected %s, got %v", apperr.CodeUploadFailed, err)
	}
	if docRepo.docs[doc.ID].IsReady {
		t.Error("document must stay not ready after a failed upload")
	}
}

func TestMaterializeDocumentWithoutBlobStore(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()

	doc := &domain.Document{
		UserID:            userID,
		OriginalFilename:  "facture.pdf",
		GmailMessageID:    "m1",
		GmailAttachmentID: "att-m1",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := NewIntakeService(provider, newFakeConnRepo(conn), docRepo, nil, &fakeClassifier{}, fakeTokens{}, DefaultConfig())

	_, err := svc.MaterializeDocument(context.Background(), doc.ID)
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeUploadFailed {
		t.Fatalf("expected %s, got %v", apperr.CodeUploadFailed, err)
	}
	if docRepo.docs[doc.ID].IsReady {
		t.Error("document must stay not ready without payload storage")
	}
}

func TestMaterializeDocumentLocatesMissingReference(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.listResult = []string{"m7"}
	provider.messages["m7"] = pdfMessage("m7", "contrat.pdf")
	provider.attachments["m7/att-m7"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()

	doc := &domain.Document{
		UserID:           userID,
		Title:            "contrat.pdf",
		OriginalFilename: "contrat.pdf",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	got, err := svc.MaterializeDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("MaterializeDocument: %v", err)
	}
	if got.GmailMessageID != "m7" || got.GmailAttachmentID != "att-m7" {
		t.Errorf("resolved reference = %q/%q", got.GmailMessageID, got.GmailAttachmentID)
	}
	if !got.IsReady {
		t.Error("document must be ready")
	}
}

func TestMaterializeDocumentNotFound(t *testing.T) {
	svc := newService(newFakeProvider(), newFakeConnRepo(), newFakeDocRepo(), newFakeBlobStore())

	_, err := svc.MaterializeDocument(context.Background(), uuid.New())
	ae := apperr.AsAppError(err)
	if ae == nil || ae.Code != apperr.CodeNotFound {
		t.Errorf("expected %s, got %v", apperr.CodeNotFound, err)
	}
}

func TestClassifierFailureFallsBackToDefaultCategory(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()

	doc := &domain.Document{
		UserID:            userID,
		Title:             "scan.pdf",
		OriginalFilename:  "scan.pdf",
		GmailMessageID:    "m1",
		GmailAttachmentID: "att-m1",
	}
	if err := docRepo.Create(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	svc := NewIntakeService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore(),
		&fakeClassifier{err: errors.New("llm timeout")}, fakeTokens{}, DefaultConfig())

	got, err := svc.MaterializeDocument(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("MaterializeDocument: %v", err)
	}
	if got.Category != domain.CategoryOther {
		t.Errorf("category = %q, want %s fallback", got.Category, domain.CategoryOther)
	}
	if !got.IsReady {
		t.Error("classification failure must not block readiness")
	}
}

// =============================================================================
// Push
// =============================================================================

func TestProcessPushNotificationUnknownMailbox(t *testing.T) {
	svc := newService(newFakeProvider(), newFakeConnRepo(), newFakeDocRepo(), newFakeBlobStore())

	if err := svc.ProcessPushNotification(context.Background(), "ghost@gmail.com", 99); err != nil {
		t.Errorf("unknown mailbox must be ignored, got %v", err)
	}
}

func TestProcessPushNotificationFirstScanAdoptsBaseline(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 0)
	svc := newService(newFakeProvider(), newFakeConnRepo(conn), newFakeDocRepo(), newFakeBlobStore())

	if err := svc.ProcessPushNotification(context.Background(), conn.Email, 77); err != nil {
		t.Fatalf("ProcessPushNotification: %v", err)
	}
	if conn.LastHistoryID != 77 {
		t.Errorf("history cursor = %d, want 77", conn.LastHistoryID)
	}
}

func TestProcessPushNotificationMaterializesNewAttachments(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.historyResult = &out.ProviderHistoryResult{
		MessageIDs:    []string{"m1"},
		NextHistoryID: 90,
	}
	provider.messages["m1"] = pdfMessage("m1", "facture.pdf")
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()
	blobs := newFakeBlobStore()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, blobs)

	if err := svc.ProcessPushNotification(context.Background(), conn.Email, 90); err != nil {
		t.Fatalf("ProcessPushNotification: %v", err)
	}

	if len(docRepo.docs) != 1 {
		t.Fatalf("documents = %d, want 1", len(docRepo.docs))
	}
	for _, d := range docRepo.docs {
		if !d.IsReady {
			t.Error("pushed document must be materialized immediately")
		}
		if !strings.HasPrefix(d.FilePath, userID.String()+"/") {
			t.Errorf("path = %q, want user prefix", d.FilePath)
		}
	}
	if len(blobs.blobs) != 1 {
		t.Errorf("blobs = %d, want 1", len(blobs.blobs))
	}
	if conn.LastHistoryID != 90 {
		t.Errorf("history cursor = %d, want 90", conn.LastHistoryID)
	}
}

func TestProcessPushNotificationExpiredCursorRecovers(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.profile.HistoryID = 300
	provider.historyErr = out.NewProviderError("gmail", out.ProviderErrSyncRequired, "Full sync required", nil, false)
	provider.listResult = []string{"m1"}
	provider.messages["m1"] = pdfMessage("m1", "facture.pdf")
	docRepo := newFakeDocRepo()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	if err := svc.ProcessPushNotification(context.Background(), conn.Email, 400); err != nil {
		t.Fatalf("ProcessPushNotification: %v", err)
	}

	if conn.LastHistoryID != 300 {
		t.Errorf("history cursor = %d, want 300 re-baseline", conn.LastHistoryID)
	}
	// Recovery runs a poll scan so the dead cursor loses nothing.
	if len(docRepo.docs) != 1 {
		t.Errorf("documents = %d, want 1 from recovery scan", len(docRepo.docs))
	}
}

func TestProcessPushNotificationDedupAcrossChannels(t *testing.T) {
	userID := uuid.New()
	conn := activeConnection(userID, 50)
	provider := newFakeProvider()
	provider.listResult = []string{"m1"}
	provider.historyResult = &out.ProviderHistoryResult{MessageIDs: []string{"m1"}, NextHistoryID: 80}
	provider.messages["m1"] = pdfMessage("m1", "facture.pdf")
	provider.attachments["m1/att-m1"] = []byte("%PDF-1.4")
	docRepo := newFakeDocRepo()
	svc := newService(provider, newFakeConnRepo(conn), docRepo, newFakeBlobStore())

	// Poll scan discovers it first, then the push notification arrives.
	if _, err := svc.ScanMailbox(context.Background(), userID); err != nil {
		t.Fatalf("ScanMailbox: %v", err)
	}
	if err := svc.ProcessPushNotification(context.Background(), conn.Email, 80); err != nil {
		t.Fatalf("ProcessPushNotification: %v", err)
	}

	if len(docRepo.docs) != 1 {
		t.Errorf("documents = %d, want 1 (dedup across poll and push)", len(docRepo.docs))
	}
}
