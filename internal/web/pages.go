package web

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/domain/documents"
	"github.com/priorauth/priorauth/internal/extraction"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/blobstore"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/internal/session"
)

// -- Sign-in ----------------------------------------------------------------

type loginPage struct {
	basePage
	Redirect string
	Email    string
	Error    string
	Info     string
	SignUp   bool
}

func (s *Server) HandleLoginForm(c echo.Context) error {
	redirect := SafeRedirect(c.QueryParam("redirect"))
	if s.Sessions.State().Authenticated {
		return c.Redirect(http.StatusSeeOther, redirect)
	}
	return s.render(c, http.StatusOK, "login", &loginPage{
		basePage: basePage{Title: "Sign in"},
		Redirect: redirect,
	})
}

func (s *Server) HandleLogin(c echo.Context) error {
	email := strings.TrimSpace(c.FormValue("email"))
	password := c.FormValue("password")
	redirect := SafeRedirect(c.FormValue("redirect"))

	if email == "" || password == "" {
		return s.render(c, http.StatusUnprocessableEntity, "login", &loginPage{
			basePage: basePage{Title: "Sign in"},
			Redirect: redirect,
			Email:    email,
			Error:    "Email and password are required",
		})
	}
	if err := s.Sessions.SignIn(c.Request().Context(), email, password); err != nil {
		return s.render(c, apperr.HTTPStatus(err), "login", &loginPage{
			basePage: basePage{Title: "Sign in"},
			Redirect: redirect,
			Email:    email,
			Error:    apperr.Message(err),
		})
	}
	return c.Redirect(http.StatusSeeOther, redirect)
}

func (s *Server) HandleSignUp(c echo.Context) error {
	email := strings.TrimSpace(c.FormValue("email"))
	password := c.FormValue("password")
	name := strings.TrimSpace(c.FormValue("name"))

	p := &loginPage{basePage: basePage{Title: "Create account"}, Redirect: "/", Email: email, SignUp: true}
	if email == "" || password == "" {
		p.Error = "Email and password are required"
		return s.render(c, http.StatusUnprocessableEntity, "login", p)
	}

	err := s.Sessions.SignUp(c.Request().Context(), email, password, name)
	switch {
	case errors.Is(err, session.ErrConfirmationRequired):
		p.SignUp = false
		p.Info = err.Error()
		return s.render(c, http.StatusOK, "login", p)
	case err != nil:
		p.Error = apperr.Message(err)
		return s.render(c, apperr.HTTPStatus(err), "login", p)
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) HandleLogout(c echo.Context) error {
	s.Sessions.SignOut(c.Request().Context())
	return c.Redirect(http.StatusSeeOther, loginPath)
}

// -- Request list -----------------------------------------------------------

type listPage struct {
	basePage
	Requests   []*authrequest.Request
	Statuses   []authrequest.Status
	Filter     authrequest.Status
	Query      string
	Error      string
	Stale      bool
	Refreshing bool
	FetchedAt  time.Time
}

// listFilter reads ?status and ?q, shared by the page and the JSON API.
func listFilter(c echo.Context) authrequest.Filter {
	return authrequest.Filter{
		Status: authrequest.Status(c.QueryParam("status")),
		Query:  strings.TrimSpace(c.QueryParam("q")),
	}
}

func (s *Server) HandleList(c echo.Context) error {
	snap := s.Requests.List(c.Request().Context())
	p := &listPage{
		basePage:   basePage{Title: "Authorization Requests"},
		Statuses:   authrequest.Statuses,
		Stale:      snap.Stale,
		Refreshing: snap.Refreshing,
		FetchedAt:  snap.FetchedAt,
	}
	if snap.Err != nil {
		p.Error = apperr.Message(snap.Err)
		return s.render(c, apperr.HTTPStatus(snap.Err), "list", p)
	}

	f := listFilter(c)
	if f.Status.Valid() {
		p.Filter = f.Status
	}
	p.Query = f.Query
	p.Requests = f.Apply(snap.Requests)
	return s.render(c, http.StatusOK, "list", p)
}

// -- Request detail ---------------------------------------------------------

type detailPage struct {
	basePage
	Request    *authrequest.Request
	Statuses   []authrequest.Status
	Documents  []documents.Document
	AppealText string
	CanAppeal  bool
}

func (s *Server) HandleDetail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.notFound(c, "Request not found")
	}
	req, err := s.Requests.Get(c.Request().Context(), id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.notFound(c, "Request not found")
		}
		s.Notifications.Notify(notification.LevelError, "Failed to load request", apperr.Message(err))
		return c.Redirect(http.StatusSeeOther, "/")
	}
	return s.renderDetail(c, req, "")
}

func (s *Server) renderDetail(c echo.Context, req *authrequest.Request, appeal string) error {
	p := &detailPage{
		basePage:   basePage{Title: "Request " + req.PatientName},
		Request:    req,
		Statuses:   authrequest.Statuses,
		AppealText: appeal,
		CanAppeal:  req.Status == authrequest.StatusDenied,
	}
	if pid, ok := s.providerID(); ok && s.Documents != nil {
		docs, err := s.Documents.List(c.Request().Context(), pid, req.ID)
		if err != nil {
			s.Logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("listing request documents")
		}
		p.Documents = docs
	}
	return s.render(c, http.StatusOK, "detail", p)
}

// expectedVersion reads the updated_at the form was rendered with so a
// concurrent change is reported instead of silently overwritten.
func expectedVersion(c echo.Context) *time.Time {
	raw := c.FormValue("updated_at")
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

func (s *Server) HandleUpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.notFound(c, "Request not found")
	}
	status := authrequest.Status(c.FormValue("status"))
	if !status.Valid() {
		s.Notifications.Notify(notification.LevelError, "Failed to update request", "Unknown status")
		return c.Redirect(http.StatusSeeOther, requestPath(id))
	}
	// The store reports failures through notifications.
	_, _ = s.Requests.Update(c.Request().Context(), id, &authrequest.UpdateInput{
		Status:            &status,
		ExpectedUpdatedAt: expectedVersion(c),
	})
	return c.Redirect(http.StatusSeeOther, requestPath(id))
}

func (s *Server) HandleUpdateJustification(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.notFound(c, "Request not found")
	}
	text := strings.TrimSpace(c.FormValue("medical_justification"))
	if text == "" {
		s.Notifications.Notify(notification.LevelError, "Failed to update request", "Medical justification cannot be empty")
		return c.Redirect(http.StatusSeeOther, requestPath(id))
	}
	_, _ = s.Requests.Update(c.Request().Context(), id, &authrequest.UpdateInput{
		MedicalJustification: &text,
		ExpectedUpdatedAt:    expectedVersion(c),
	})
	return c.Redirect(http.StatusSeeOther, requestPath(id))
}

// HandleGenerateAppeal drafts an appeal letter. Only denied requests can be
// appealed; the letter is shown once and not stored.
func (s *Server) HandleGenerateAppeal(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return s.notFound(c, "Request not found")
	}
	req, err := s.Requests.Get(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.notFound(c, "Request not found")
		}
		s.Notifications.Notify(notification.LevelError, "Failed to load request", apperr.Message(err))
		return c.Redirect(http.StatusSeeOther, "/")
	}
	if req.Status != authrequest.StatusDenied {
		s.Notifications.Notify(notification.LevelWarning, "Appeal not available", "Only denied requests can be appealed")
		return c.Redirect(http.StatusSeeOther, requestPath(id))
	}

	letter, err := s.Generator.GenerateAppeal(ctx, id, s.userName())
	if err != nil {
		s.Logger.Error().Err(err).Str("request_id", id.String()).Msg("generating appeal")
		s.Notifications.Notify(notification.LevelError, "Failed to generate appeal letter", apperr.Message(err))
		return s.renderDetail(c, req, "")
	}
	s.Notifications.Notify(notification.LevelSuccess, "Appeal letter generated", "")
	return s.renderDetail(c, req, letter)
}

func (s *Server) HandleDownload(c echo.Context) error {
	pid, ok := s.providerID()
	if !ok || s.Documents == nil {
		return s.notFound(c, "Document not found")
	}
	rc, doc, err := s.Documents.Open(c.Request().Context(), pid, c.QueryParam("key"))
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.notFound(c, "Document not found")
		}
		return err
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+strings.ReplaceAll(doc.Name, `"`, "")+`"`)
	return c.Stream(http.StatusOK, doc.ContentType, rc)
}

func requestPath(id uuid.UUID) string { return "/request/" + id.String() }

// -- New request ------------------------------------------------------------

type newRequestPage struct {
	basePage
	Input      authrequest.CreateInput
	Priorities []authrequest.Priority
	DraftID    string
	Staged     []documents.Document
	Missing    []string
	Error      string
}

func (s *Server) HandleNewRequestForm(c echo.Context) error {
	return s.render(c, http.StatusOK, "new_request", &newRequestPage{
		basePage:   basePage{Title: "New Authorization Request"},
		Input:      authrequest.CreateInput{Priority: authrequest.PriorityStandard},
		Priorities: authrequest.Priorities,
		DraftID:    uuid.NewString(),
	})
}

// HandleNewRequest serves every button on the new-request form. The form is
// posted whole so values survive each round trip; action selects the step.
func (s *Server) HandleNewRequest(c echo.Context) error {
	p := &newRequestPage{
		basePage:   basePage{Title: "New Authorization Request"},
		Input:      formInput(c),
		Priorities: authrequest.Priorities,
		DraftID:    c.FormValue("draft_id"),
	}
	if _, err := uuid.Parse(p.DraftID); err != nil {
		p.DraftID = uuid.NewString()
	}
	p.Staged = s.stagedDocuments(c, p.DraftID)

	switch c.FormValue("action") {
	case "extract":
		return s.extract(c, p)
	case "justify":
		return s.justify(c, p)
	case "cancel":
		if pid, ok := s.providerID(); ok && s.Documents != nil {
			if err := s.Documents.Discard(c.Request().Context(), pid, p.DraftID); err != nil {
				s.Logger.Warn().Err(err).Msg("discarding draft documents")
			}
		}
		return c.Redirect(http.StatusSeeOther, "/")
	default:
		return s.submit(c, p)
	}
}

func formInput(c echo.Context) authrequest.CreateInput {
	in := authrequest.CreateInput{
		PatientName:          strings.TrimSpace(c.FormValue("patient_name")),
		PatientID:            strings.TrimSpace(c.FormValue("patient_id")),
		ProcedureCode:        strings.TrimSpace(c.FormValue("procedure_code")),
		ProcedureDescription: strings.TrimSpace(c.FormValue("procedure_description")),
		DiagnosisCode:        strings.TrimSpace(c.FormValue("diagnosis_code")),
		DiagnosisDescription: strings.TrimSpace(c.FormValue("diagnosis_description")),
		MedicalJustification: strings.TrimSpace(c.FormValue("medical_justification")),
		Priority:             authrequest.Priority(c.FormValue("priority")),
	}
	if !in.Priority.Valid() {
		in.Priority = authrequest.PriorityStandard
	}
	if v := strings.TrimSpace(c.FormValue("payer_name")); v != "" {
		in.PayerName = &v
	}
	if v := strings.TrimSpace(c.FormValue("payer_id")); v != "" {
		in.PayerID = &v
	}
	return in
}

func (s *Server) stagedDocuments(c echo.Context, draftID string) []documents.Document {
	pid, ok := s.providerID()
	if !ok || s.Documents == nil {
		return nil
	}
	docs, err := s.Documents.Staged(c.Request().Context(), pid, draftID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("draft_id", draftID).Msg("listing staged documents")
	}
	return docs
}

type upload struct {
	name        string
	contentType string
	data        []byte
}

// readUploads buffers the posted files so the same bytes can be archived and
// sent for extraction.
func readUploads(headers []*multipart.FileHeader) ([]upload, error) {
	out := make([]upload, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > blobstore.MaxFileSize {
			return nil, apperr.Validation("web.readUploads", fh.Filename+" is larger than 25 MB", nil)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, apperr.Validation("web.readUploads", "could not read "+fh.Filename, err)
		}
		data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
		f.Close()
		if err != nil {
			return nil, apperr.Validation("web.readUploads", "could not read "+fh.Filename, err)
		}
		ct := fh.Header.Get(echo.HeaderContentType)
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = strings.TrimSpace(ct[:i])
		}
		out = append(out, upload{name: fh.Filename, contentType: ct, data: data})
	}
	return out, nil
}

func (s *Server) extract(c echo.Context, p *newRequestPage) error {
	ctx := c.Request().Context()
	form, err := c.MultipartForm()
	var headers []*multipart.FileHeader
	if err == nil {
		headers = form.File["files"]
	}
	if len(headers) == 0 {
		s.Notifications.Notify(notification.LevelError, "No documents selected", "Choose at least one document to extract from")
		return s.render(c, http.StatusUnprocessableEntity, "new_request", p)
	}

	uploads, err := readUploads(headers)
	if err != nil {
		s.Notifications.Notify(notification.LevelError, "Failed to read documents", apperr.Message(err))
		return s.render(c, apperr.HTTPStatus(err), "new_request", p)
	}

	if pid, ok := s.providerID(); ok && s.Documents != nil {
		files := make([]documents.File, len(uploads))
		for i, u := range uploads {
			files[i] = documents.File{Name: u.name, ContentType: u.contentType, Content: bytes.NewReader(u.data)}
		}
		if _, err := s.Documents.Stage(ctx, pid, p.DraftID, files); err != nil {
			s.Notifications.Notify(notification.LevelWarning, "Documents were not saved", apperr.Message(err))
		}
		p.Staged = s.stagedDocuments(c, p.DraftID)
	}

	files := make([]extraction.File, len(uploads))
	for i, u := range uploads {
		files[i] = extraction.File{Name: u.name, ContentType: u.contentType, Content: bytes.NewReader(u.data)}
	}
	data, err := s.Extractor.Extract(ctx, files)
	if err != nil {
		s.Logger.Error().Err(err).Int("files", len(files)).Msg("extracting form data")
		s.Notifications.Notify(notification.LevelError, "Failed to extract information from documents", apperr.Message(err))
		return s.render(c, apperr.HTTPStatus(err), "new_request", p)
	}

	p.Missing = data.ApplyTo(&p.Input)
	if len(p.Missing) > 0 {
		s.Notifications.Notify(notification.LevelWarning, "Some fields could not be extracted",
			"Please fill in the highlighted fields manually")
	} else {
		s.Notifications.Notify(notification.LevelSuccess, "Information extracted successfully", "")
	}
	return s.render(c, http.StatusOK, "new_request", p)
}

func (s *Server) justify(c echo.Context, p *newRequestPage) error {
	if p.Input.ProcedureDescription == "" || p.Input.DiagnosisDescription == "" {
		s.Notifications.Notify(notification.LevelError, "Missing information",
			"Please provide procedure and diagnosis descriptions first")
		return s.render(c, http.StatusUnprocessableEntity, "new_request", p)
	}
	text, err := s.Generator.GenerateJustification(c.Request().Context(),
		p.Input.ProcedureDescription, p.Input.DiagnosisDescription)
	if err != nil {
		s.Logger.Error().Err(err).Msg("generating justification")
		s.Notifications.Notify(notification.LevelError, "Failed to generate justification", apperr.Message(err))
		return s.render(c, apperr.HTTPStatus(err), "new_request", p)
	}
	p.Input.MedicalJustification = text
	s.Notifications.Notify(notification.LevelSuccess, "Justification generated", "Review and edit before submitting")
	return s.render(c, http.StatusOK, "new_request", p)
}

func (s *Server) submit(c echo.Context, p *newRequestPage) error {
	ctx := c.Request().Context()
	in := p.Input
	req, err := s.Requests.Create(ctx, &in)
	if err != nil {
		p.Error = apperr.Message(err)
		return s.render(c, apperr.HTTPStatus(err), "new_request", p)
	}

	if pid, ok := s.providerID(); ok && s.Documents != nil {
		if _, err := s.Documents.Promote(ctx, pid, p.DraftID, req.ID); err != nil {
			s.Logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("attaching draft documents")
			s.Notifications.Notify(notification.LevelWarning, "Documents were not attached", apperr.Message(err))
		}
	}
	return c.Redirect(http.StatusSeeOther, requestPath(req.ID))
}
