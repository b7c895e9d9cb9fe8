package authrequest

import "strings"

// Filter narrows a request list. An invalid Status is ignored. Query
// matches patient name, procedure code or diagnosis code, case-insensitive.
type Filter struct {
	Status Status
	Query  string
}

func (f Filter) Match(r *Request) bool {
	if f.Status.Valid() && r.Status != f.Status {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.PatientName), q) ||
		strings.Contains(strings.ToLower(r.ProcedureCode), q) ||
		strings.Contains(strings.ToLower(r.DiagnosisCode), q)
}

// Apply returns the matching requests in their original order. The result
// is never nil.
func (f Filter) Apply(requests []*Request) []*Request {
	out := make([]*Request, 0, len(requests))
	for _, r := range requests {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
