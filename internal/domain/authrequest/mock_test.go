package authrequest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/priorauth/priorauth/internal/platform/apperr"
)

// mockRepo mimics the database: it assigns ids and timestamps and forces
// PENDING on create.
type mockRepo struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*Request
	clock    time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		requests: make(map[uuid.UUID]*Request),
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Minute)
	return m.clock
}

func (m *mockRepo) ListForProvider(_ context.Context, providerID uuid.UUID) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Request{}
	for _, r := range m.requests {
		if r.ProviderID == providerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("mock.GetByID", "request not found")
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) Create(_ context.Context, in *CreateInput) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	r := &Request{
		ID:                   uuid.New(),
		PatientName:          in.PatientName,
		PatientID:            in.PatientID,
		ProcedureCode:        in.ProcedureCode,
		ProcedureDescription: in.ProcedureDescription,
		DiagnosisCode:        in.DiagnosisCode,
		DiagnosisDescription: in.DiagnosisDescription,
		MedicalJustification: in.MedicalJustification,
		Priority:             in.Priority,
		PayerName:            in.PayerName,
		PayerID:              in.PayerID,
		Status:               StatusPending,
		SubmittedAt:          now,
		UpdatedAt:            now,
		ProviderID:           in.ProviderID,
	}
	m.requests[r.ID] = r
	cp := *r
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, id uuid.UUID, in *UpdateInput) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("mock.Update", "request not found")
	}
	if in.ExpectedUpdatedAt != nil && !in.ExpectedUpdatedAt.Equal(r.UpdatedAt) {
		return nil, apperr.Conflict("mock.Update", "stale")
	}
	if in.Status != nil {
		r.Status = *in.Status
	}
	if in.MedicalJustification != nil {
		r.MedicalJustification = *in.MedicalJustification
	}
	r.UpdatedAt = m.tick()
	cp := *r
	return &cp, nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return apperr.NotFound("mock.Delete", "request not found")
	}
	delete(m.requests, id)
	return nil
}
