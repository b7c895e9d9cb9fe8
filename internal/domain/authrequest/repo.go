package authrequest

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the remote store of requests. Implementations run every
// call as the identity carried by ctx.
type Repository interface {
	ListForProvider(ctx context.Context, providerID uuid.UUID) ([]*Request, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	Create(ctx context.Context, in *CreateInput) (*Request, error)
	Update(ctx context.Context, id uuid.UUID, in *UpdateInput) (*Request, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
