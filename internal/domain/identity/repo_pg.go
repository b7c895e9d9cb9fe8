package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/db"
)

type profileRepoPG struct {
	scope *db.Scope
}

func NewProfileRepo(scope *db.Scope) ProfileRepository {
	return &profileRepoPG{scope: scope}
}

const profileCols = `id, email, name, role, created_at, updated_at`

// GetByID reads the caller's own profile. Row-level security hides every
// other profile, so asking for someone else's id is NotFound.
func (r *profileRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Profile, error) {
	const op = "identity.GetByID"

	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return nil, apperr.Auth(op, "not signed in", nil)
	}

	var p *Profile
	err := r.scope.RunAs(ctx, caller.DBClaims(), func(q db.Querier) error {
		var err error
		p, err = scanProfile(q.QueryRow(ctx, `SELECT `+profileCols+` FROM public.profiles WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound(op, "profile not found")
	}
	if err != nil {
		return nil, apperr.Repository(op, err)
	}
	return p, nil
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var role string
	if err := row.Scan(&p.ID, &p.Email, &p.Name, &role, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Role = Role(role)
	return &p, nil
}
