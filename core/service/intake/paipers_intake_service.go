// Package intake turns Gmail PDF attachments into document records.
//
// Discovery and materialization are separate steps. Discovery (poll scan or
// push notification) creates stub documents from attachment metadata without
// downloading anything. Materialization fetches the bytes, stores them and
// enriches the record. The push path materializes immediately; the poll path
// leaves stubs for explicit materialization.
package intake

import (
	"context"

	"golang.org/x/oauth2"

	"paipers_server/core/domain"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
)

// hydrateConcurrency bounds parallel message fetches during a scan.
const hydrateConcurrency = 5

// TokenProvider yields a usable access token for a connection.
type TokenProvider interface {
	GetValidToken(ctx context.Context, conn *domain.MailboxConnection) (*oauth2.Token, error)
}

// Config holds scan tuning.
type Config struct {
	// ScanQuery selects recent PDF carriers during a poll scan.
	ScanQuery       string
	ScanMaxMessages int64

	// MaterializeQuery is the fallback search window used when a stub
	// carries no attachment reference.
	MaterializeQuery string
	MaterializeMax   int64
}

// DefaultConfig returns the standard scan tuning.
func DefaultConfig() Config {
	return Config{
		ScanQuery:        "has:attachment filename:pdf newer_than:1d",
		ScanMaxMessages:  20,
		MaterializeQuery: "has:attachment newer_than:7d",
		MaterializeMax:   15,
	}
}

// IntakeService implements the attachment intake pipeline.
type IntakeService struct {
	provider   out.MailProviderPort
	connRepo   out.ConnectionRepository
	docRepo    out.DocumentRepository
	blobStore  out.BlobStore
	classifier out.DocumentClassifier
	tokens     TokenProvider
	config     Config
}

func NewIntakeService(
	provider out.MailProviderPort,
	connRepo out.ConnectionRepository,
	docRepo out.DocumentRepository,
	blobStore out.BlobStore,
	classifier out.DocumentClassifier,
	tokens TokenProvider,
	config Config,
) *IntakeService {
	if config.ScanQuery == "" {
		config = DefaultConfig()
	}
	return &IntakeService{
		provider:   provider,
		connRepo:   connRepo,
		docRepo:    docRepo,
		blobStore:  blobStore,
		classifier: classifier,
		tokens:     tokens,
		config:     config,
	}
}

var _ in.IntakeService = (*IntakeService)(nil)
