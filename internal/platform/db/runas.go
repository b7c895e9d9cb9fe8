package db

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx.Tx used by repositories. It lets the
// repository code run unchanged inside RunAs or against a bare pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Claims are the identity claims row-level security policies read through
// auth_uid() and auth_role().
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Email   string `json:"email,omitempty"`
}

var roleNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Scope binds a pool to the database role row-level security should be
// evaluated as. An empty role skips SET ROLE, which is how tests and
// superuser-owned local databases run.
type Scope struct {
	pool TxBeginner
	role string
}

// NewScope validates role and returns a Scope over pool.
func NewScope(pool TxBeginner, role string) (*Scope, error) {
	if role != "" && !roleNamePattern.MatchString(role) {
		return nil, fmt.Errorf("invalid database role: %q", role)
	}
	return &Scope{pool: pool, role: role}, nil
}

// RunAs runs fn inside a transaction whose role and request.jwt.claims
// setting are scoped to the given identity. The settings are transaction
// local so the pooled connection is returned clean. fn's error rolls the
// transaction back.
func (s *Scope) RunAs(ctx context.Context, claims Claims, fn func(q Querier) error) error {
	if claims.Subject == "" {
		return fmt.Errorf("run as: missing subject")
	}

	encoded, err := claimsJSON(claims)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.role != "" {
		if _, err := tx.Exec(ctx, setRoleSQL(s.role)); err != nil {
			return fmt.Errorf("set role: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claims', $1, true)", encoded); err != nil {
		return fmt.Errorf("set claims: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func setRoleSQL(role string) string {
	return fmt.Sprintf("SET LOCAL ROLE %s", pgx.Identifier{role}.Sanitize())
}

func claimsJSON(c Claims) (string, error) {
	if c.Role == "" {
		c.Role = "authenticated"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	return string(b), nil
}
