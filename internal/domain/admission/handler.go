package admission

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/admission/internal/domain/patient"
	"github.com/ehr/admission/internal/platform/auth"
	"github.com/ehr/admission/pkg/pagination"
)

const maxMessageBytes = 1 << 20

// Ingester is the part of Service the transports depend on.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, autoMerge bool) (*patient.Result, error)
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Interface engines post admissions; registrars may too.
	ingest := api.Group("", auth.RequireRole(auth.RoleInterface, auth.RoleRegistrar))
	ingest.POST("/admissions", h.Admit)

	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleRegistrar))
	read.GET("/patients", h.ListPatients)
	read.GET("/patients/random", h.RandomPatient)
	read.GET("/patients/:id", h.GetPatient)

	write := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	write.POST("/patients", h.CreatePatient)
	write.PUT("/patients/:id", h.UpdatePatient)
}

// errorBody is returned for every failed request. Fields is set for
// mismatches only.
type errorBody struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind"`
	Fields *patient.FieldSet `json:"fields,omitempty"`
}

// Admit handles POST /admissions?autoUpdate=true|false with a raw HL7
// message as the body. autoUpdate defaults to true.
func (h *Handler) Admit(c echo.Context) error {
	autoMerge := true
	if v := c.QueryParam("autoUpdate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "autoUpdate must be true or false")
		}
		autoMerge = b
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) > maxMessageBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum size")
	}

	ctx := WithTransport(c.Request().Context(), TransportHTTP)
	res, err := h.svc.Ingest(ctx, body, autoMerge)
	if err != nil {
		return writeError(c, err)
	}
	status := http.StatusOK
	if res.Outcome == patient.OutcomeCreated {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RandomPatient(c echo.Context) error {
	p, err := h.svc.Random(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	if link := pg.LinkHeader(c.Request().URL, total); link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(patients, total, pg))
}

// patientRequest is the body of manual create and update. Birthday is a
// calendar date in YYYY-MM-DD form.
type patientRequest struct {
	ExternalID *string `json:"external_id"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	Birthday   string  `json:"birthday"`
	Address    string  `json:"address"`
	Sex        string  `json:"sex"`
	Telephone  *string `json:"telephone"`
	Email      *string `json:"email"`
}

func (r patientRequest) toPatient() (*patient.Patient, error) {
	birthday, err := time.Parse("2006-01-02", r.Birthday)
	if err != nil {
		return nil, errors.New("birthday must be YYYY-MM-DD")
	}
	if r.ExternalID != nil && *r.ExternalID == "" {
		r.ExternalID = nil
	}
	return &patient.Patient{
		ExternalID: r.ExternalID,
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		Birthday:   birthday,
		Address:    r.Address,
		Sex:        r.Sex,
		Telephone:  r.Telephone,
		Email:      r.Email,
	}, nil
}

func bindPatient(c echo.Context) (*patient.Patient, error) {
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := req.toPatient()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, nil
}

func (h *Handler) CreatePatient(c echo.Context) error {
	p, err := bindPatient(c)
	if err != nil {
		return err
	}
	created, err := h.svc.Create(c.Request().Context(), p)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := bindPatient(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.Update(c.Request().Context(), id, p)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// writeError translates domain errors into HTTP responses.
func writeError(c echo.Context, err error) error {
	var mismatch *patient.MismatchError
	if errors.As(err, &mismatch) {
		fields := mismatch.Fields
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Kind: "mismatch", Fields: &fields})
	}

	status := StatusFor(err)
	return c.JSON(status, errorBody{Error: err.Error(), Kind: ResultLabel(nil, err)})
}

// StatusFor maps an ingest or store error to an HTTP status.
func StatusFor(err error) int {
	var (
		extractErr *ExtractionError
		mismatch   *patient.MismatchError
		storeErr   *patient.StoreError
	)
	switch {
	case errors.As(err, &extractErr), errors.Is(err, patient.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, patient.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &mismatch), errors.Is(err, patient.ErrDuplicate), errors.Is(err, patient.ErrExternalIDConflict):
		return http.StatusConflict
	case errors.As(err, &storeErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
