package authrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/db"
)

func TestBuildUpdate(t *testing.T) {
	id := uuid.New()
	status := StatusDenied
	just := "new text"
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	sql, args := buildUpdate(id, &UpdateInput{Status: &status})
	if !strings.Contains(sql, "updated_at = now()") || !strings.Contains(sql, "status = $2") {
		t.Errorf("unexpected SQL: %s", sql)
	}
	if strings.Contains(sql, "provider_id =") {
		t.Error("provider_id must never be written on update")
	}
	if len(args) != 2 || args[1] != "DENIED" {
		t.Errorf("unexpected args: %v", args)
	}

	sql, args = buildUpdate(id, &UpdateInput{Status: &status, MedicalJustification: &just, ExpectedUpdatedAt: &at})
	if !strings.Contains(sql, "medical_justification = $3") || !strings.Contains(sql, "AND updated_at = $4") {
		t.Errorf("unexpected SQL: %s", sql)
	}
	if len(args) != 4 {
		t.Errorf("expected 4 args, got %d", len(args))
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"no rows", pgx.ErrNoRows, apperr.KindNotFound},
		{"check violation", &pgconn.PgError{Code: "23514", Message: "violates check constraint"}, apperr.KindValidation},
		{"not null", &pgconn.PgError{Code: "23502"}, apperr.KindValidation},
		{"bad uuid", &pgconn.PgError{Code: "22P02"}, apperr.KindValidation},
		{"rls denied", &pgconn.PgError{Code: "42501"}, apperr.KindAuth},
		{"connection", errors.New("connection reset"), apperr.KindRepository},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), apperr.KindNotFound},
		{"already classified", apperr.Conflict("x", "stale"), apperr.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := apperr.KindOf(mapError("op", tt.err)); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
	if mapError("op", nil) != nil {
		t.Error("nil must map to nil")
	}
}

func TestRepo_RequiresIdentity(t *testing.T) {
	scope, _ := db.NewScope(nil, "")
	repo := NewRepo(scope)

	_, err := repo.ListForProvider(context.Background(), uuid.New())
	if !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("expected auth error without identity, got %v", err)
	}
}

func TestRepo_CreateRequiresProvider(t *testing.T) {
	scope, _ := db.NewScope(nil, "")
	repo := NewRepo(scope)

	in := janeDoe(uuid.Nil)
	if _, err := repo.Create(context.Background(), in); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error without provider, got %v", err)
	}
}
