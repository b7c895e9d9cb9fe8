package authrequest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/internal/platform/db/dbtest"
)

var (
	pgOnce sync.Once
	pgDB   *dbtest.DB
	pgErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgDB != nil {
		pgDB.Close()
	}
	os.Exit(code)
}

// requirePostgres starts the shared database on first use and skips the
// test when none is available.
func requirePostgres(t *testing.T) *dbtest.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		pgDB, pgErr = dbtest.Start(ctx)
	})
	if errors.Is(pgErr, dbtest.ErrUnavailable) {
		t.Skipf("postgres unavailable: %v", pgErr)
	}
	if pgErr != nil {
		t.Fatalf("start postgres: %v", pgErr)
	}
	return pgDB
}

func newProvider(t *testing.T, d *dbtest.DB) (uuid.UUID, context.Context) {
	t.Helper()
	ctx := context.Background()
	id, err := d.CreateProfile(ctx, fmt.Sprintf("dr-%s@clinic.test", uuid.NewString()[:8]), "Dr. Test")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return id, auth.WithIdentity(ctx, auth.Identity{UserID: id.String(), Role: "authenticated"})
}

func janeDoePG(provider uuid.UUID) *CreateInput {
	payer := "Acme Health"
	return &CreateInput{
		PatientName:          "Jane Doe",
		PatientID:            "P-1001",
		ProcedureCode:        "72148",
		ProcedureDescription: "MRI lumbar spine without contrast",
		DiagnosisCode:        "M54.5",
		DiagnosisDescription: "Low back pain",
		MedicalJustification: "Six weeks of failed conservative therapy.",
		Priority:             PriorityUrgent,
		PayerName:            &payer,
		ProviderID:           provider,
	}
}

func TestRepoPG_CreateForcesPendingAndRoundTrips(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	provider, ctx := newProvider(t, d)

	in := janeDoePG(provider)
	created, err := repo.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", created.Status)
	}
	if created.ID == uuid.Nil || created.SubmittedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Errorf("expected id and timestamps from the database, got %+v", created)
	}
	if created.ProviderID != provider {
		t.Errorf("expected provider %s, got %s", provider, created.ProviderID)
	}

	got, err := repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PatientName != in.PatientName || got.PatientID != in.PatientID ||
		got.ProcedureCode != in.ProcedureCode || got.ProcedureDescription != in.ProcedureDescription ||
		got.DiagnosisCode != in.DiagnosisCode || got.DiagnosisDescription != in.DiagnosisDescription ||
		got.MedicalJustification != in.MedicalJustification || got.Priority != in.Priority {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.PayerName == nil || *got.PayerName != "Acme Health" || got.PayerID != nil {
		t.Errorf("unexpected payer fields %v %v", got.PayerName, got.PayerID)
	}
}

func TestRepoPG_ListNewestFirst(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	provider, ctx := newProvider(t, d)

	first, err := repo.Create(ctx, janeDoePG(provider))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := repo.Create(ctx, janeDoePG(provider))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	list, err := repo.ListForProvider(ctx, provider)
	if err != nil {
		t.Fatalf("ListForProvider: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("expected newest first, got %v", list)
	}
}

func TestRepoPG_UpdateStampsUpdatedAt(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	provider, ctx := newProvider(t, d)

	created, err := repo.Create(ctx, janeDoePG(provider))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	denied := StatusDenied
	updated, err := repo.Update(ctx, created.ID, &UpdateInput{Status: &denied, ExpectedUpdatedAt: &created.UpdatedAt})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusDenied {
		t.Errorf("expected DENIED, got %s", updated.Status)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Errorf("expected updated_at to advance: %s -> %s", created.UpdatedAt, updated.UpdatedAt)
	}
	if !updated.SubmittedAt.Equal(created.SubmittedAt) {
		t.Error("submitted_at must not change on update")
	}

	list, err := repo.ListForProvider(ctx, provider)
	if err != nil || len(list) != 1 || list[0].Status != StatusDenied {
		t.Errorf("expected list to reflect the update, got %v (%v)", list, err)
	}

	// The original timestamp is now stale.
	pending := StatusPending
	_, err = repo.Update(ctx, created.ID, &UpdateInput{Status: &pending, ExpectedUpdatedAt: &created.UpdatedAt})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected conflict for stale precondition, got %v", err)
	}

	bogus := Status("ARCHIVED")
	_, err = repo.Update(ctx, created.ID, &UpdateInput{Status: &bogus})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error from the status check, got %v", err)
	}
}

func TestRepoPG_DeleteAndNotFound(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	provider, ctx := newProvider(t, d)

	created, err := repo.Create(ctx, janeDoePG(provider))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, created.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := repo.Delete(ctx, created.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found deleting twice, got %v", err)
	}
	justification := "x"
	if _, err := repo.Update(ctx, uuid.New(), &UpdateInput{MedicalJustification: &justification}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found updating a missing id, got %v", err)
	}
}

func TestRepoPG_RowLevelSecurityIsolatesProviders(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	smith, smithCtx := newProvider(t, d)
	_, jonesCtx := newProvider(t, d)

	mine, err := repo.Create(smithCtx, janeDoePG(smith))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := repo.GetByID(jonesCtx, mine.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected another provider's request to be hidden, got %v", err)
	}
	list, err := repo.ListForProvider(jonesCtx, smith)
	if err != nil || len(list) != 0 {
		t.Errorf("expected empty list for another provider's id, got %v (%v)", list, err)
	}
	denied := StatusDenied
	if _, err := repo.Update(jonesCtx, mine.ID, &UpdateInput{Status: &denied}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected update of another provider's request to be NotFound, got %v", err)
	}
	if err := repo.Delete(jonesCtx, mine.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected delete of another provider's request to be NotFound, got %v", err)
	}
	if _, err := repo.Create(jonesCtx, janeDoePG(smith)); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("expected insert on behalf of another provider to be refused, got %v", err)
	}

	if got, err := repo.GetByID(smithCtx, mine.ID); err != nil || got.Status != StatusPending {
		t.Errorf("owner should still see the untouched request, got %v (%v)", got, err)
	}
}

func TestRepoPG_RequiresIdentity(t *testing.T) {
	d := requirePostgres(t)
	repo := NewRepo(d.Scope)
	if _, err := repo.ListForProvider(context.Background(), uuid.New()); !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("expected auth error without identity, got %v", err)
	}
}
