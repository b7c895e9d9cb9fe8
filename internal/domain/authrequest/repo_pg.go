package authrequest

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/db"
)

type repoPG struct {
	scope *db.Scope
}

// NewRepo returns the Postgres repository. Every call opens a transaction
// scoped to the caller's identity, so row-level security decides which rows
// are visible.
func NewRepo(scope *db.Scope) Repository {
	return &repoPG{scope: scope}
}

const requestCols = `id, patient_name, patient_id, procedure_code, procedure_description,
	diagnosis_code, diagnosis_description, medical_justification, priority,
	payer_name, payer_id, status, submitted_at, updated_at, provider_id`

func (r *repoPG) run(ctx context.Context, op string, fn func(q db.Querier) error) error {
	caller, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return apperr.Auth(op, "not signed in", nil)
	}
	return r.scope.RunAs(ctx, caller.DBClaims(), fn)
}

func (r *repoPG) ListForProvider(ctx context.Context, providerID uuid.UUID) ([]*Request, error) {
	const op = "authrequest.ListForProvider"

	var out []*Request
	err := r.run(ctx, op, func(q db.Querier) error {
		rows, err := q.Query(ctx, `SELECT `+requestCols+` FROM public.auth_requests
			WHERE provider_id = $1 ORDER BY submitted_at DESC`, providerID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			req, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, req)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError(op, err)
	}
	if out == nil {
		out = []*Request{}
	}
	return out, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	const op = "authrequest.GetByID"

	var req *Request
	err := r.run(ctx, op, func(q db.Querier) error {
		var err error
		req, err = scanRequest(q.QueryRow(ctx, `SELECT `+requestCols+` FROM public.auth_requests WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, mapError(op, err)
	}
	return req, nil
}

func (r *repoPG) Create(ctx context.Context, in *CreateInput) (*Request, error) {
	const op = "authrequest.Create"

	if in == nil || in.ProviderID == uuid.Nil {
		return nil, apperr.Validation(op, "provider_id is required", nil)
	}

	var req *Request
	err := r.run(ctx, op, func(q db.Querier) error {
		var err error
		req, err = scanRequest(q.QueryRow(ctx, `
			INSERT INTO public.auth_requests (
				patient_name, patient_id, procedure_code, procedure_description,
				diagnosis_code, diagnosis_description, medical_justification, priority,
				payer_name, payer_id, status, provider_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'PENDING',$11)
			RETURNING `+requestCols,
			in.PatientName, in.PatientID, in.ProcedureCode, in.ProcedureDescription,
			in.DiagnosisCode, in.DiagnosisDescription, in.MedicalJustification, string(in.Priority),
			in.PayerName, in.PayerID, in.ProviderID,
		))
		return err
	})
	if err != nil {
		return nil, mapError(op, err)
	}
	return req, nil
}

// Update applies the non-nil fields of in. provider_id is never written.
func (r *repoPG) Update(ctx context.Context, id uuid.UUID, in *UpdateInput) (*Request, error) {
	const op = "authrequest.Update"

	if in.Empty() {
		return nil, apperr.Validation(op, "nothing to update", nil)
	}

	sql, args := buildUpdate(id, in)

	var req *Request
	err := r.run(ctx, op, func(q db.Querier) error {
		var err error
		req, err = scanRequest(q.QueryRow(ctx, sql, args...))
		if !errors.Is(err, pgx.ErrNoRows) || in.ExpectedUpdatedAt == nil {
			return err
		}
		// Distinguish a missing row from a stale precondition.
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM public.auth_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return apperr.Conflict(op, "request was modified by someone else; reload and try again")
		}
		return pgx.ErrNoRows
	})
	if err != nil {
		return nil, mapError(op, err)
	}
	return req, nil
}

func buildUpdate(id uuid.UUID, in *UpdateInput) (string, []interface{}) {
	sets := []string{"updated_at = now()"}
	args := []interface{}{id}

	if in.Status != nil {
		args = append(args, string(*in.Status))
		sets = append(sets, "status = $"+strconv.Itoa(len(args)))
	}
	if in.MedicalJustification != nil {
		args = append(args, *in.MedicalJustification)
		sets = append(sets, "medical_justification = $"+strconv.Itoa(len(args)))
	}

	where := "id = $1"
	if in.ExpectedUpdatedAt != nil {
		args = append(args, *in.ExpectedUpdatedAt)
		where += " AND updated_at = $" + strconv.Itoa(len(args))
	}

	return `UPDATE public.auth_requests SET ` + strings.Join(sets, ", ") +
		` WHERE ` + where + ` RETURNING ` + requestCols, args
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "authrequest.Delete"

	err := r.run(ctx, op, func(q db.Querier) error {
		tag, err := q.Exec(ctx, `DELETE FROM public.auth_requests WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	return mapError(op, err)
}

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	var priority, status string
	err := row.Scan(
		&req.ID, &req.PatientName, &req.PatientID, &req.ProcedureCode, &req.ProcedureDescription,
		&req.DiagnosisCode, &req.DiagnosisDescription, &req.MedicalJustification, &priority,
		&req.PayerName, &req.PayerID, &status, &req.SubmittedAt, &req.UpdatedAt, &req.ProviderID,
	)
	if err != nil {
		return nil, err
	}
	req.Priority = Priority(priority)
	req.Status = Status(status)
	return &req, nil
}

// mapError converts driver errors into the application taxonomy. Errors
// that already carry a kind pass through.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "request not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), pgErr.Code == "22P02", pgErr.Code == "22001":
			return apperr.Validation(op, pgErr.Message, err)
		case pgErr.Code == "42501":
			return apperr.Auth(op, "not permitted", err)
		}
	}
	return apperr.Repository(op, err)
}
