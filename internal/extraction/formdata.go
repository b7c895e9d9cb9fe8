package extraction

import (
	"encoding/json"
	"strings"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
)

// Field is one extracted value. Value is nil when nothing was found.
type Field[T any] struct {
	Value      *T      `json:"value"`
	Confidence float64 `json:"confidence"`
	IsMissing  bool    `json:"is_missing"`
	SourceFile string  `json:"source_file"`
}

// Get returns the value if the field is present and not flagged missing.
func (f Field[T]) Get() (T, bool) {
	var zero T
	if f.Value == nil || f.IsMissing {
		return zero, false
	}
	return *f.Value, true
}

type PatientInfo struct {
	Name Field[string] `json:"name"`
	ID   Field[string] `json:"id"`
}

type ProcedureInfo struct {
	Code        Field[string] `json:"code"`
	Description Field[string] `json:"description"`
}

type DiagnosisInfo struct {
	PrimaryDiagnosis Field[string] `json:"primary_diagnosis"`
	Symptoms         Field[string] `json:"symptoms"`
	AffectedArea     Field[string] `json:"affected_area"`
}

// ProcessingMetadata token counts arrive either as numbers or as quoted
// numbers depending on the backend version.
type ProcessingMetadata struct {
	Model            string      `json:"model"`
	TotalTokens      json.Number `json:"total_tokens"`
	CompletionTokens json.Number `json:"completion_tokens"`
	PromptTokens     json.Number `json:"prompt_tokens"`
}

// FormData is the extraction endpoint's response.
type FormData struct {
	PatientInfo          PatientInfo        `json:"patient_info"`
	ProcedureInfo        ProcedureInfo      `json:"procedure_info"`
	DiagnosisInfo        DiagnosisInfo      `json:"diagnosis_info"`
	MedicalJustification Field[string]      `json:"medical_justification"`
	ProcessingMetadata   ProcessingMetadata `json:"processing_metadata"`
}

// ApplyTo copies every usable field into in, leaving the others untouched,
// and returns the names of the form fields that could not be filled.
func (d *FormData) ApplyTo(in *authrequest.CreateInput) []string {
	targets := []struct {
		name  string
		field Field[string]
		dst   *string
	}{
		{"patient_name", d.PatientInfo.Name, &in.PatientName},
		{"patient_id", d.PatientInfo.ID, &in.PatientID},
		{"procedure_code", d.ProcedureInfo.Code, &in.ProcedureCode},
		{"procedure_description", d.ProcedureInfo.Description, &in.ProcedureDescription},
		{"diagnosis_code", d.DiagnosisInfo.PrimaryDiagnosis, &in.DiagnosisCode},
		{"diagnosis_description", d.DiagnosisInfo.Symptoms, &in.DiagnosisDescription},
		{"medical_justification", d.MedicalJustification, &in.MedicalJustification},
	}

	var missing []string
	for _, t := range targets {
		v, ok := t.field.Get()
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, t.name)
			continue
		}
		*t.dst = v
	}
	return missing
}
