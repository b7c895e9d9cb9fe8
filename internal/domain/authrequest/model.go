package authrequest

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending                Status = "PENDING"
	StatusApproved               Status = "APPROVED"
	StatusDenied                 Status = "DENIED"
	StatusAdditionalInfoRequired Status = "ADDITIONAL_INFO_REQUIRED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusPending, StatusApproved, StatusDenied, StatusAdditionalInfoRequired}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusAdditionalInfoRequired:
		return true
	}
	return false
}

// Label is the human-readable form used by the UI.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusApproved:
		return "Approved"
	case StatusDenied:
		return "Denied"
	case StatusAdditionalInfoRequired:
		return "Additional Info Required"
	}
	return string(s)
}

type Priority string

const (
	PriorityStandard  Priority = "Standard"
	PriorityUrgent    Priority = "Urgent"
	PriorityEmergency Priority = "Emergency"
)

var Priorities = []Priority{PriorityStandard, PriorityUrgent, PriorityEmergency}

func (p Priority) Valid() bool {
	switch p {
	case PriorityStandard, PriorityUrgent, PriorityEmergency:
		return true
	}
	return false
}

// Request is one prior-authorization request. ID, SubmittedAt and UpdatedAt
// are assigned by the store.
type Request struct {
	ID                   uuid.UUID `json:"id"`
	PatientName          string    `json:"patient_name"`
	PatientID            string    `json:"patient_id"`
	ProcedureCode        string    `json:"procedure_code"`
	ProcedureDescription string    `json:"procedure_description"`
	DiagnosisCode        string    `json:"diagnosis_code"`
	DiagnosisDescription string    `json:"diagnosis_description"`
	MedicalJustification string    `json:"medical_justification"`
	Priority             Priority  `json:"priority"`
	PayerName            *string   `json:"payer_name,omitempty"`
	PayerID              *string   `json:"payer_id,omitempty"`
	Status               Status    `json:"status"`
	SubmittedAt          time.Time `json:"submitted_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	ProviderID           uuid.UUID `json:"provider_id"`
}

// CreateInput is everything the client may supply on create. Status is
// not part of it: new requests are always PENDING. ProviderID is filled in
// from the session, never from user input.
type CreateInput struct {
	PatientName          string    `json:"patient_name" validate:"required,max=200"`
	PatientID            string    `json:"patient_id" validate:"required,max=100"`
	ProcedureCode        string    `json:"procedure_code" validate:"required,max=50"`
	ProcedureDescription string    `json:"procedure_description" validate:"required,max=2000"`
	DiagnosisCode        string    `json:"diagnosis_code" validate:"required,max=50"`
	DiagnosisDescription string    `json:"diagnosis_description" validate:"required,max=2000"`
	MedicalJustification string    `json:"medical_justification" validate:"required,max=20000"`
	Priority             Priority  `json:"priority" validate:"required,oneof=Standard Urgent Emergency"`
	PayerName            *string   `json:"payer_name,omitempty" validate:"omitempty,max=200"`
	PayerID              *string   `json:"payer_id,omitempty" validate:"omitempty,max=100"`
	ProviderID           uuid.UUID `json:"-"`
}

// UpdateInput is a partial update. Nil fields are left unchanged.
// ExpectedUpdatedAt, when set, makes the update conditional on the row not
// having changed since it was read.
type UpdateInput struct {
	Status               *Status    `json:"status,omitempty" validate:"omitempty,oneof=PENDING APPROVED DENIED ADDITIONAL_INFO_REQUIRED"`
	MedicalJustification *string    `json:"medical_justification,omitempty" validate:"omitempty,min=1,max=20000"`
	ExpectedUpdatedAt    *time.Time `json:"expected_updated_at,omitempty"`
}

func (u *UpdateInput) Empty() bool {
	return u == nil || (u.Status == nil && u.MedicalJustification == nil)
}

var transitions = map[Status][]Status{
	StatusPending:                {StatusApproved, StatusDenied, StatusAdditionalInfoRequired},
	StatusAdditionalInfoRequired: {StatusPending},
	StatusDenied:                 {StatusPending},
	StatusApproved:               nil,
}

// CanTransition reports whether from -> to is allowed under the strict
// workflow. Re-saving the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
