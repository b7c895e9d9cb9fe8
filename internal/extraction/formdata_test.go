package extraction

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
)

func TestField_Get(t *testing.T) {
	v := "M54.5"
	tests := []struct {
		name  string
		field Field[string]
		ok    bool
	}{
		{"present", Field[string]{Value: &v}, true},
		{"nil value", Field[string]{}, false},
		{"flagged missing", Field[string]{Value: &v, IsMissing: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.field.Get()
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && got != v {
				t.Errorf("expected %s, got %s", v, got)
			}
		})
	}
}

func TestApplyTo(t *testing.T) {
	var data FormData
	if err := json.Unmarshal([]byte(sampleResponse), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	in := &authrequest.CreateInput{
		PatientID:            "MRN-001",
		MedicalJustification: "typed by hand",
	}
	missing := data.ApplyTo(in)

	if in.PatientName != "Jane Doe" || in.ProcedureCode != "99213" {
		t.Errorf("expected extracted fields applied, got %+v", in)
	}
	if in.DiagnosisCode != "M54.5" || in.DiagnosisDescription != "Low back pain" {
		t.Errorf("expected diagnosis mapping, got code=%q description=%q", in.DiagnosisCode, in.DiagnosisDescription)
	}
	if in.PatientID != "MRN-001" {
		t.Errorf("missing field should keep existing value, got %q", in.PatientID)
	}
	if in.MedicalJustification != "typed by hand" {
		t.Errorf("empty extracted value should keep existing value, got %q", in.MedicalJustification)
	}

	want := []string{"patient_id", "medical_justification"}
	if !reflect.DeepEqual(missing, want) {
		t.Errorf("expected missing %v, got %v", want, missing)
	}
}

func TestApplyTo_AllMissing(t *testing.T) {
	in := &authrequest.CreateInput{}
	missing := (&FormData{}).ApplyTo(in)
	if len(missing) != 7 {
		t.Errorf("expected all 7 fields missing, got %v", missing)
	}
}
