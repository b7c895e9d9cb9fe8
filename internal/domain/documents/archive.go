// Package documents archives the source files a clinician uploads while
// filling in a request. Files are staged under a draft while the form is
// open and promoted under the request once it is submitted.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/blobstore"
)

type Archive struct {
	store  blobstore.BlobStore
	logger zerolog.Logger
}

func NewArchive(store blobstore.BlobStore, logger zerolog.Logger) *Archive {
	return &Archive{store: store, logger: logger.With().Str("component", "documents").Logger()}
}

func providerPrefix(providerID uuid.UUID) string {
	return "providers/" + providerID.String() + "/"
}

func draftPrefix(providerID uuid.UUID, draftID string) string {
	return providerPrefix(providerID) + "drafts/" + draftID + "/"
}

func requestPrefix(providerID, requestID uuid.UUID) string {
	return providerPrefix(providerID) + "requests/" + requestID.String() + "/"
}

// Stage stores files under the provider's draft.
func (a *Archive) Stage(ctx context.Context, providerID uuid.UUID, draftID string, files []File) ([]Document, error) {
	const op = "documents.Stage"
	if err := checkDraftID(op, draftID); err != nil {
		return nil, err
	}

	out := make([]Document, 0, len(files))
	for _, f := range files {
		name, err := cleanName(f.Name)
		if err != nil {
			return nil, apperr.Validation(op, err.Error(), err)
		}
		obj, err := a.store.Put(ctx, draftPrefix(providerID, draftID)+name, blobstore.Object{
			FileName:    name,
			ContentType: f.ContentType,
		}, f.Content)
		if err != nil {
			return nil, mapStoreError(op, err)
		}
		out = append(out, toDocument(obj))
	}

	a.logger.Debug().Str("provider_id", providerID.String()).Str("draft_id", draftID).Int("files", len(out)).Msg("staged documents")
	return out, nil
}

// Promote moves every staged file of a draft under the submitted request.
// A draft with no files promotes nothing.
func (a *Archive) Promote(ctx context.Context, providerID uuid.UUID, draftID string, requestID uuid.UUID) ([]Document, error) {
	const op = "documents.Promote"
	if err := checkDraftID(op, draftID); err != nil {
		return nil, err
	}

	src := draftPrefix(providerID, draftID)
	staged, err := a.store.List(ctx, src)
	if err != nil {
		return nil, mapStoreError(op, err)
	}

	dst := requestPrefix(providerID, requestID)
	out := make([]Document, 0, len(staged))
	for _, obj := range staged {
		key := dst + strings.TrimPrefix(obj.Key, src)
		if err := a.store.Copy(ctx, obj.Key, key); err != nil {
			return nil, mapStoreError(op, err)
		}
		if err := a.store.Delete(ctx, obj.Key); err != nil {
			a.logger.Warn().Err(err).Str("key", obj.Key).Msg("failed to remove staged document")
		}
		moved := *obj
		moved.Key = key
		out = append(out, toDocument(&moved))
	}
	return out, nil
}

// Discard drops a draft's staged files.
func (a *Archive) Discard(ctx context.Context, providerID uuid.UUID, draftID string) error {
	const op = "documents.Discard"
	if err := checkDraftID(op, draftID); err != nil {
		return err
	}
	staged, err := a.store.List(ctx, draftPrefix(providerID, draftID))
	if err != nil {
		return mapStoreError(op, err)
	}
	for _, obj := range staged {
		if err := a.store.Delete(ctx, obj.Key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			return mapStoreError(op, err)
		}
	}
	return nil
}

// Staged returns the files currently held in a draft.
func (a *Archive) Staged(ctx context.Context, providerID uuid.UUID, draftID string) ([]Document, error) {
	const op = "documents.Staged"
	if err := checkDraftID(op, draftID); err != nil {
		return nil, err
	}
	return a.list(ctx, op, draftPrefix(providerID, draftID))
}

// List returns the documents archived with a request.
func (a *Archive) List(ctx context.Context, providerID, requestID uuid.UUID) ([]Document, error) {
	return a.list(ctx, "documents.List", requestPrefix(providerID, requestID))
}

func (a *Archive) list(ctx context.Context, op, prefix string) ([]Document, error) {
	objs, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	out := make([]Document, 0, len(objs))
	for _, obj := range objs {
		out = append(out, toDocument(obj))
	}
	return out, nil
}

// Open streams one document. Keys outside the provider's prefix are
// reported as not found.
func (a *Archive) Open(ctx context.Context, providerID uuid.UUID, key string) (io.ReadCloser, *Document, error) {
	const op = "documents.Open"
	if !strings.HasPrefix(key, providerPrefix(providerID)) || strings.Contains(key, "..") {
		return nil, nil, apperr.NotFound(op, "document not found")
	}
	rc, obj, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, nil, mapStoreError(op, err)
	}
	doc := toDocument(obj)
	return rc, &doc, nil
}

func toDocument(obj *blobstore.Object) Document {
	return Document{
		Key:         obj.Key,
		Name:        obj.FileName,
		ContentType: obj.ContentType,
		Size:        obj.Size,
		Hash:        obj.Hash,
		UploadedAt:  obj.CreatedAt,
	}
}

func checkDraftID(op, draftID string) error {
	if _, err := uuid.Parse(draftID); err != nil {
		return apperr.Validation(op, "draft id must be a uuid", err)
	}
	return nil
}

func cleanName(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("file name is required")
	}
	return name, nil
}

func mapStoreError(op string, err error) error {
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return apperr.NotFound(op, "document not found")
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrMissingFileName):
		return apperr.Validation(op, err.Error(), err)
	default:
		return apperr.Repository(op, err)
	}
}
