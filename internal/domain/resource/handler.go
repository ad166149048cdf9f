package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirstore/internal/platform/auth"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/pkg/pagination"
)

type Handler struct {
	svc     *Service
	baseURL string
}

func NewHandler(svc *Service, baseURL string) *Handler {
	return &Handler{svc: svc, baseURL: baseURL}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	read := fhirGroup.Group("", auth.RequireScope(auth.OpRead))
	read.GET("/:type", h.Search)
	read.POST("/:type/_search", h.Search, fhir.SearchPostMiddleware())
	read.GET("/:type/:id", h.Read)
	read.GET("/:type/:id/_history", h.History)
	read.GET("/:type/:id/_history/:vid", h.VRead)

	write := fhirGroup.Group("", auth.RequireScope(auth.OpWrite))
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
	write.POST("/:type/:id/$status", h.SetStatus)
}

// statusForError maps write-path errors onto an HTTP status and outcome.
func statusForError(err error, resourceType, id string) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, fhir.ErrValidation):
		return http.StatusBadRequest, fhir.InvalidOutcome(err.Error())
	case errors.Is(err, fhir.ErrGone):
		return http.StatusGone, fhir.GoneOutcome(resourceType, id)
	case errors.Is(err, fhir.ErrNotFound):
		return http.StatusNotFound, fhir.NotFoundOutcome(resourceType, id)
	case errors.Is(err, fhir.ErrIdentityConflict):
		return http.StatusConflict, fhir.DuplicateOutcome(resourceType, id)
	case errors.Is(err, fhir.ErrVersionConflict):
		return http.StatusPreconditionFailed, fhir.ConflictOutcome(err.Error())
	}
	return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
}

func (h *Handler) fail(c echo.Context, err error, id string) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	status, outcome := statusForError(err, c.Param("type"), id)
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, outcome)
}

func decodeBody(c echo.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, fmt.Errorf("decode body: %v: %w", err, fhir.ErrValidation)
	}
	return body, nil
}

func (h *Handler) versionLocation(rec *Record) string {
	return fmt.Sprintf("%s/%s/_history/%s", h.baseURL, fhir.FormatReference(rec.ResourceType, rec.FHIRID), rec.VersionID)
}

func (h *Handler) Create(c echo.Context) error {
	body, err := decodeBody(c)
	if err != nil {
		return h.fail(c, err, "")
	}
	id, _ := body["id"].(string)
	rec, err := h.svc.Create(c.Request().Context(), c.Param("type"), body)
	if err != nil {
		return h.fail(c, err, id)
	}
	c.Response().Header().Set("Location", h.versionLocation(rec))
	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated)
	return c.JSON(http.StatusCreated, rec.ToFHIR())
}

func (h *Handler) Read(c echo.Context) error {
	id := c.Param("id")
	rec, err := h.svc.Get(c.Request().Context(), c.Param("type"), id)
	if err != nil {
		return h.fail(c, err, id)
	}
	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated)
	if fhir.CheckIfNoneMatch(c, rec.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSON(http.StatusOK, rec.ToFHIR())
}

func (h *Handler) Update(c echo.Context) error {
	id := c.Param("id")
	ifMatch, err := fhir.IfMatchVersion(c)
	if err != nil {
		return h.fail(c, err, id)
	}
	body, err := decodeBody(c)
	if err != nil {
		return h.fail(c, err, id)
	}
	rec, err := h.svc.Update(c.Request().Context(), c.Param("type"), id, body, ifMatch)
	if err != nil {
		return h.fail(c, err, id)
	}
	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated)
	return c.JSON(http.StatusOK, rec.ToFHIR())
}

func (h *Handler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request().Context(), c.Param("type"), id); err != nil {
		return h.fail(c, err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id := c.Param("id")
	var req statusRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return h.fail(c, fmt.Errorf("decode body: %v: %w", err, fhir.ErrValidation), id)
	}
	rec, err := h.svc.SetStatus(c.Request().Context(), c.Param("type"), id, req.Status)
	if err != nil {
		return h.fail(c, err, id)
	}
	fhir.SetVersionHeaders(c, rec.VersionID, rec.LastUpdated)
	return c.JSON(http.StatusOK, fhir.SuccessOutcome(
		fmt.Sprintf("%s is %s", fhir.FormatReference(rec.ResourceType, rec.FHIRID), rec.Status)))
}

func (h *Handler) Search(c echo.Context) error {
	req := fhir.ParseSearchRequest(c.Param("type"), c.QueryParams())
	items, total, err := h.svc.Search(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err, "")
	}
	resources := make([]fhir.BundleResource, len(items))
	for i, item := range items {
		resources[i] = item
	}
	return c.JSON(http.StatusOK, fhir.NewSearchsetBundle(resources, req.BundleParams(h.baseURL, total)))
}

func (h *Handler) History(c echo.Context) error {
	id := c.Param("id")
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.History(c.Request().Context(), c.Param("type"), id, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err, id)
	}
	return c.JSON(http.StatusOK, fhir.NewHistoryBundle(entries, total, h.baseURL))
}

func (h *Handler) VRead(c echo.Context) error {
	id := c.Param("id")
	entry, err := h.svc.VRead(c.Request().Context(), c.Param("type"), id, c.Param("vid"))
	if err != nil {
		return h.fail(c, err, id)
	}
	fhir.SetVersionHeaders(c, entry.VersionID, entry.Timestamp)
	return c.JSONBlob(http.StatusOK, entry.Resource)
}
