package authrequest

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

// Service validates input before it reaches the store. It satisfies
// Repository so callers can use it in place of the raw store.
type Service struct {
	repo     Repository
	validate *validator.Validate
	strict   bool
}

// NewService wraps repo. With strictTransitions, Update rejects status
// changes outside the review workflow (see CanTransition).
func NewService(repo Repository, strictTransitions bool) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Service{repo: repo, validate: v, strict: strictTransitions}
}

func (s *Service) ListForProvider(ctx context.Context, providerID uuid.UUID) ([]*Request, error) {
	return s.repo.ListForProvider(ctx, providerID)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Create(ctx context.Context, in *CreateInput) (*Request, error) {
	const op = "authrequest.Create"
	if in == nil {
		return nil, apperr.Validation(op, "request body is required", nil)
	}
	if in.Priority == "" {
		in.Priority = PriorityStandard
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Validation(op, formatValidation(err), err)
	}
	return s.repo.Create(ctx, in)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in *UpdateInput) (*Request, error) {
	const op = "authrequest.Update"
	if in.Empty() {
		return nil, apperr.Validation(op, "nothing to update", nil)
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Validation(op, formatValidation(err), err)
	}

	if s.strict && in.Status != nil {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !CanTransition(current.Status, *in.Status) {
			return nil, apperr.Validation(op,
				fmt.Sprintf("cannot change status from %s to %s", current.Status.Label(), in.Status.Label()), nil)
		}
	}

	return s.repo.Update(ctx, id, in)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

var validationMessages = map[string]string{
	"required": "is required",
	"max":      "must be at most %s characters",
	"min":      "must be at least %s characters",
	"oneof":    "must be one of: %s",
}

// formatValidation renders every field error as "<json name> <message>".
func formatValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg, ok := validationMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		if strings.Contains(msg, "%s") {
			param := fe.Param()
			if fe.Tag() == "oneof" {
				param = strings.Join(strings.Fields(param), ", ")
			}
			msg = fmt.Sprintf(msg, param)
		}
		msgs = append(msgs, fe.Field()+" "+msg)
	}
	return strings.Join(msgs, "; ")
}
