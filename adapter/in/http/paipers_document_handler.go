package http

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"paipers_server/adapter/out/persistence"
	"paipers_server/core/port/in"
	"paipers_server/core/port/out"
	"paipers_server/pkg/apperr"
	"paipers_server/pkg/response"
)

// DocumentHandler exposes the document intake surface.
type DocumentHandler struct {
	intakeService in.IntakeService
	docRepo       out.DocumentRepository
	blobStore     out.BlobStore
}

func NewDocumentHandler(intakeService in.IntakeService, docRepo out.DocumentRepository, blobStore out.BlobStore) *DocumentHandler {
	return &DocumentHandler{
		intakeService: intakeService,
		docRepo:       docRepo,
		blobStore:     blobStore,
	}
}

func (h *DocumentHandler) Register(router fiber.Router) {
	docs := router.Group("/documents")
	docs.Get("/", h.List)
	docs.Get("/:id", h.Get)
	docs.Post("/:id/materialize", h.Materialize)
	docs.Get("/:id/download", h.Download)
	docs.Delete("/:id", h.Delete)
}

// List returns the user's documents, newest first.
func (h *DocumentHandler) List(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	pagination := response.GetPagination(c, 20, 100)
	docs, err := h.docRepo.ListByUser(c.Context(), userID, pagination.PageSize, pagination.Offset)
	if err != nil {
		return apperr.DatabaseError("failed to list documents", err)
	}

	return response.OKWithMeta(c, docs, &response.Meta{
		Page:     pagination.Page,
		PageSize: pagination.PageSize,
	})
}

// Get returns one document record.
func (h *DocumentHandler) Get(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	docID, err := GetDocumentID(c)
	if err != nil {
		return err
	}

	doc, err := h.docRepo.GetByID(c.Context(), docID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return apperr.NotFound("document")
		}
		return apperr.DatabaseError("failed to get document", err)
	}
	if doc.UserID != userID {
		return apperr.NotFound("document")
	}

	return response.OK(c, doc)
}

// Materialize downloads and stores the payload for a stub document.
func (h *DocumentHandler) Materialize(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	docID, err := GetDocumentID(c)
	if err != nil {
		return err
	}

	doc, err := h.docRepo.GetByID(c.Context(), docID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return apperr.NotFound("document")
		}
		return apperr.DatabaseError("failed to get document", err)
	}
	if doc.UserID != userID {
		return apperr.NotFound("document")
	}

	materialized, err := h.intakeService.MaterializeDocument(c.Context(), docID)
	if err != nil {
		return err
	}

	return response.OK(c, materialized)
}

// Download streams the stored payload with its original filename.
func (h *DocumentHandler) Download(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	docID, err := GetDocumentID(c)
	if err != nil {
		return err
	}

	doc, err := h.docRepo.GetByID(c.Context(), docID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return apperr.NotFound("document")
		}
		return apperr.DatabaseError("failed to get document", err)
	}
	if doc.UserID != userID {
		return apperr.NotFound("document")
	}
	if !doc.IsReady || doc.FilePath == "" {
		return apperr.BadRequest("document has no stored payload yet")
	}

	if h.blobStore == nil {
		return apperr.NotFound("document payload")
	}
	data, mimeType, err := h.blobStore.Get(c.Context(), doc.FilePath)
	if err != nil {
		return apperr.NotFound("document payload")
	}
	if mimeType == "" {
		mimeType = doc.MimeType
	}

	filename := doc.OriginalFilename
	if filename == "" {
		filename = doc.Title
	}

	c.Set(fiber.HeaderContentType, mimeType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.Send(data)
}

// Delete removes the record and its payload.
func (h *DocumentHandler) Delete(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}
	docID, err := GetDocumentID(c)
	if err != nil {
		return err
	}

	doc, err := h.docRepo.GetByID(c.Context(), docID)
	if err != nil {
		if err == persistence.ErrNotFound {
			return apperr.NotFound("document")
		}
		return apperr.DatabaseError("failed to get document", err)
	}
	if doc.UserID != userID {
		return apperr.NotFound("document")
	}

	if doc.FilePath != "" && h.blobStore != nil {
		if err := h.blobStore.Delete(c.Context(), doc.FilePath); err != nil {
			return apperr.DatabaseError("failed to delete document payload", err)
		}
	}
	if err := h.docRepo.Delete(c.Context(), docID); err != nil {
		return apperr.DatabaseError("failed to delete document", err)
	}

	return response.NoContent(c)
}
