package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"paipers_server/core/port/out"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Blob Adapter - attachment payload storage
// =============================================================================

const (
	collectionBlobs = "document_blobs"

	// Compression threshold - only compress payloads larger than this
	compressionThreshold = 1024 // 1KB
)

// BlobAdapter implements out.BlobStore using MongoDB.
type BlobAdapter struct {
	db         *mongo.Database
	collection *mongo.Collection
}

// NewBlobAdapter creates a new MongoDB blob adapter.
func NewBlobAdapter(db *mongo.Database) *BlobAdapter {
	collection := db.Collection(collectionBlobs)
	return &BlobAdapter{
		db:         db,
		collection: collection,
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *BlobAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "stored_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

// blobDocument represents the MongoDB document structure.
type blobDocument struct {
	Path     string `bson:"path"`
	MimeType string `bson:"mime_type"`

	// Payload (potentially compressed)
	Data         []byte `bson:"data"`
	IsCompressed bool   `bson:"is_compressed"`

	OriginalSize   int64 `bson:"original_size"`
	CompressedSize int64 `bson:"compressed_size"`

	StoredAt time.Time `bson:"stored_at"`
}

// =============================================================================
// Operations
// =============================================================================

// Put stores payload bytes at the given path, replacing any previous blob.
func (a *BlobAdapter) Put(ctx context.Context, path string, data []byte, mimeType string) error {
	originalSize := int64(len(data))
	payload := data
	isCompressed := false

	if originalSize > compressionThreshold {
		compressed, err := compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress blob: %w", err)
		}
		payload = compressed
		isCompressed = true
	}

	doc := &blobDocument{
		Path:           path,
		MimeType:       mimeType,
		Data:           payload,
		IsCompressed:   isCompressed,
		OriginalSize:   originalSize,
		CompressedSize: int64(len(payload)),
		StoredAt:       time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"path": path}

	_, err := a.collection.ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// Get retrieves payload bytes and mime type for the given path.
func (a *BlobAdapter) Get(ctx context.Context, path string) ([]byte, string, error) {
	var doc blobDocument
	filter := bson.M{"path": path}

	err := a.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", fmt.Errorf("failed to get blob: %w", err)
	}

	data := doc.Data
	if doc.IsCompressed {
		data, err = decompress(doc.Data)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decompress blob: %w", err)
		}
	}
	return data, doc.MimeType, nil
}

// Delete removes the blob at the given path.
func (a *BlobAdapter) Delete(ctx context.Context, path string) error {
	filter := bson.M{"path": path}

	_, err := a.collection.DeleteOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// =============================================================================
// Compression Helpers
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.BlobStore = (*BlobAdapter)(nil)
