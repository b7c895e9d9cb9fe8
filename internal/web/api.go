package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/domain/authrequest"
	"github.com/priorauth/priorauth/internal/platform/apperr"
	"github.com/priorauth/priorauth/internal/platform/notification"
	"github.com/priorauth/priorauth/pkg/pagination"
)

func (s *Server) registerAPI(g *echo.Group) {
	g.GET("/session", s.apiSession)
	g.GET("/requests", s.apiListRequests)
	g.POST("/requests", s.apiCreateRequest)
	g.GET("/requests/:id", s.apiGetRequest)
	g.PATCH("/requests/:id", s.apiUpdateRequest)
	g.DELETE("/requests/:id", s.apiDeleteRequest)
	g.GET("/requests/:id/documents", s.apiListDocuments)
	if m, ok := s.Notifications.(*notification.Manager); ok {
		notification.NewHandler(m).RegisterRoutes(g)
	}
}

func apiError(c echo.Context, err error) error {
	return c.JSON(apperr.HTTPStatus(err), map[string]string{"error": apperr.Message(err)})
}

// requireJSON keeps browser form posts off the write endpoints, which are
// exempt from the form CSRF check.
func requireJSON(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]string{"error": "content type must be application/json"})
	}
	return nil
}

func (s *Server) apiSession(c echo.Context) error {
	st := s.Sessions.State()
	out := map[string]interface{}{"authenticated": st.Authenticated}
	if st.Session != nil {
		out["user"] = st.Session.User
		out["expires_at"] = st.Session.ExpiresAt
	}
	if st.Profile != nil {
		out["profile"] = st.Profile
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) apiListRequests(c echo.Context) error {
	snap := s.Requests.List(c.Request().Context())
	if snap.Err != nil {
		return apiError(c, snap.Err)
	}
	page := pagination.Page(listFilter(c).Apply(snap.Requests), pagination.FromContext(c))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":       page.Data,
		"total":      page.Total,
		"limit":      page.Limit,
		"offset":     page.Offset,
		"has_more":   page.HasMore,
		"fetched_at": snap.FetchedAt.UTC().Format(time.RFC3339Nano),
		"stale":      snap.Stale,
	})
}

func (s *Server) apiGetRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request id"})
	}
	req, err := s.Requests.Get(c.Request().Context(), id)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) apiCreateRequest(c echo.Context) error {
	if err := requireJSON(c); err != nil {
		return err
	}
	var in authrequest.CreateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	req, err := s.Requests.Create(c.Request().Context(), &in)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (s *Server) apiUpdateRequest(c echo.Context) error {
	if err := requireJSON(c); err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request id"})
	}
	var in authrequest.UpdateInput
	if err := c.Bind(&in); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	req, err := s.Requests.Update(c.Request().Context(), id, &in)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) apiDeleteRequest(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request id"})
	}
	if err := s.Requests.Delete(c.Request().Context(), id); err != nil {
		return apiError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) apiListDocuments(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request id"})
	}
	pid, ok := s.providerID()
	if !ok || s.Documents == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"data": []interface{}{}})
	}
	docs, err := s.Documents.List(c.Request().Context(), pid, id)
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": docs})
}
