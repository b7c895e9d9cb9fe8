package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/llm"
)

const justificationSystemPrompt = `You are a medical professional assistant helping to generate a concise but comprehensive medical justification for an insurance prior authorization request.
The justification should be professional, evidence-based, and explain why the procedure is medically necessary based on the diagnosis.
Include references to standard of care, previous treatments, and medical necessity criteria.
Write in a formal medical tone, approximately 150-250 words.`

const appealSystemPrompt = `You are a medical professional assistant helping to generate a formal appeal letter for a denied insurance authorization request.
The letter should be professional, evidence-based, and formatted as a proper business letter with date, address blocks, and signature.
Include references to medical necessity, supporting evidence, and relevant policies.
Write in a formal tone, approximately 300-500 words.`

// RequestLoader reads a request as the calling user.
type RequestLoader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*authrequest.Request, error)
}

// Functions serves the generate-justification and generate-appeal
// endpoints.
type Functions struct {
	llm      llm.Completer
	requests RequestLoader
	logger   zerolog.Logger
}

func NewFunctions(completer llm.Completer, requests RequestLoader, logger zerolog.Logger) *Functions {
	return &Functions{
		llm:      completer,
		requests: requests,
		logger:   logger.With().Str("component", "functions").Logger(),
	}
}

func (f *Functions) RegisterRoutes(g *echo.Group) {
	g.POST("/generate-justification", f.HandleGenerateJustification)
	g.POST("/generate-appeal", f.HandleGenerateAppeal)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (f *Functions) HandleGenerateJustification(c echo.Context) error {
	var in justificationRequest
	if err := c.Bind(&in); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(in.ProcedureDescription) == "" || strings.TrimSpace(in.DiagnosisDescription) == "" {
		return errorJSON(c, http.StatusBadRequest, "Procedure and diagnosis descriptions are required")
	}

	text, err := f.llm.Complete(c.Request().Context(), llm.Prompt{
		System: justificationSystemPrompt,
		User: fmt.Sprintf("Generate a medical justification for the following:\n\nProcedure: %s\nDiagnosis: %s",
			in.ProcedureDescription, in.DiagnosisDescription),
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("generate-justification failed")
		return errorJSON(c, apperr.HTTPStatus(err), apperr.Message(err))
	}
	return c.JSON(http.StatusOK, justificationResponse{Justification: text})
}

func (f *Functions) HandleGenerateAppeal(c echo.Context) error {
	var in appealRequest
	if err := c.Bind(&in); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(in.RequestID) == "" {
		return errorJSON(c, http.StatusBadRequest, "Request ID is required")
	}
	id, err := uuid.Parse(in.RequestID)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "Request ID must be a valid UUID")
	}

	ctx := c.Request().Context()
	req, err := f.requests.GetByID(ctx, id)
	if err != nil {
		f.logger.Warn().Err(err).Str("request_id", id.String()).Msg("appeal: request lookup failed")
		return errorJSON(c, http.StatusNotFound, "Failed to retrieve request details")
	}

	text, err := f.llm.Complete(ctx, llm.Prompt{
		System:      appealSystemPrompt,
		User:        appealPrompt(req, in.UserName),
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		f.logger.Error().Err(err).Str("request_id", id.String()).Msg("generate-appeal failed")
		return errorJSON(c, apperr.HTTPStatus(err), apperr.Message(err))
	}
	return c.JSON(http.StatusOK, appealResponse{AppealText: text})
}

func appealPrompt(r *authrequest.Request, userName string) string {
	payer := "Insurance Provider"
	if r.PayerName != nil && *r.PayerName != "" {
		payer = *r.PayerName
	}
	signer := strings.TrimSpace(userName)
	if signer == "" {
		signer = "Healthcare Provider"
	}

	var b strings.Builder
	b.WriteString("Generate an appeal letter for a denied insurance authorization request with the following details:\n\n")
	fmt.Fprintf(&b, "Patient: %s\n", r.PatientName)
	fmt.Fprintf(&b, "Procedure: %s (Code: %s)\n", r.ProcedureDescription, r.ProcedureCode)
	fmt.Fprintf(&b, "Diagnosis: %s (Code: %s)\n", r.DiagnosisDescription, r.DiagnosisCode)
	fmt.Fprintf(&b, "Justification: %s\n", r.MedicalJustification)
	fmt.Fprintf(&b, "Insurance: %s\n", payer)
	b.WriteString("Reason for Denial: Medical necessity not established\n\n")
	fmt.Fprintf(&b, "The letter should be signed by %s.", signer)
	return b.String()
}
