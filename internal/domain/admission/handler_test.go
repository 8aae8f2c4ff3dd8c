package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/admission/internal/domain/patient"
)

func newAdmitContext(body, query string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admissions"+query, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "x-application/hl7-v2+er7")
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestAdmit_Created(t *testing.T) {
	ts := newTestService()
	h := NewHandler(ts.Service)

	c, rec := newAdmitContext(sampleA01, "")
	if err := h.Admit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var body struct {
		Outcome string           `json:"outcome"`
		Patient *patient.Patient `json:"patient"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Outcome != "created" || body.Patient == nil || body.Patient.LastName != "Mustermann" {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestAdmit_AutoUpdateDefaultsToTrue(t *testing.T) {
	stored := maxMustermann()
	stored.Sex = "F"
	ts := newTestService(stored)
	h := NewHandler(ts.Service)

	c, rec := newAdmitContext(sampleA01, "")
	if err := h.Admit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"outcome":"merged"`) {
		t.Errorf("expected merged outcome, got %s", rec.Body.String())
	}
}

func TestAdmit_MismatchReturnsFields(t *testing.T) {
	stored := maxMustermann()
	stored.Sex = "F"
	stored.Email = nil
	ts := newTestService(stored)
	h := NewHandler(ts.Service)

	c, rec := newAdmitContext(sampleA01, "?autoUpdate=false")
	if err := h.Admit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	var body struct {
		Kind   string   `json:"kind"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Kind != "mismatch" {
		t.Errorf("expected kind mismatch, got %q", body.Kind)
	}
	if len(body.Fields) != 2 || body.Fields[0] != "email" || body.Fields[1] != "sex" {
		t.Errorf("expected [email sex], got %v", body.Fields)
	}
}

func TestAdmit_BadAutoUpdate(t *testing.T) {
	h := NewHandler(newTestService().Service)

	c, _ := newAdmitContext(sampleA01, "?autoUpdate=maybe")
	err := h.Admit(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}

func TestAdmit_ExtractionError(t *testing.T) {
	h := NewHandler(newTestService().Service)

	c, rec := newAdmitContext("not a message", "")
	if err := h.Admit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"extraction_error"`) {
		t.Errorf("expected extraction_error kind, got %s", rec.Body.String())
	}
}

func TestAdmit_TooLarge(t *testing.T) {
	h := NewHandler(newTestService().Service)

	c, _ := newAdmitContext(strings.Repeat("x", maxMessageBytes+1), "")
	err := h.Admit(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 HTTPError, got %v", err)
	}
}

func TestGetPatient(t *testing.T) {
	stored := maxMustermann()
	h := NewHandler(newTestService(stored).Service)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(stored.ID.String())

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"external_id":"123456"`) {
		t.Errorf("expected external id in body, got %s", rec.Body.String())
	}
}

func TestGetPatient_NotFoundAndInvalid(t *testing.T) {
	h := NewHandler(newTestService().Service)
	e := echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	var he *echo.HTTPError
	if err := h.GetPatient(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %v", err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("00000000-0000-0000-0000-00000000abcd")
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListPatients(t *testing.T) {
	a := maxMustermann()
	b := maxMustermann()
	b.ID = a.ID
	b.ID[15] = 2
	b.ExternalID = patient.StringPtr("222222")
	b.LastName = "Musterfrau"
	h := NewHandler(newTestService(a, b).Service)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=1", nil), rec)

	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data    []patient.Patient `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}
	if link := rec.Header().Get("Link"); link != `</?limit=1&offset=1>; rel="next"` {
		t.Errorf("unexpected Link header %q", link)
	}
}

func TestRandomPatient_Empty(t *testing.T) {
	h := NewHandler(newTestService().Service)

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.RandomPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreatePatient(t *testing.T) {
	ts := newTestService()
	h := NewHandler(ts.Service)

	body := `{"first_name":"Erika","last_name":"Musterfrau","birthday":"1985-07-12","address":"Hauptstr. 5, 10115 Berlin","sex":"F","external_id":""}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p patient.Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if p.ExternalID == nil || len(*p.ExternalID) != 6 {
		t.Errorf("expected minted external id, got %v", p.ExternalID)
	}
}

func TestCreatePatient_BadBirthday(t *testing.T) {
	h := NewHandler(newTestService().Service)

	body := `{"first_name":"Erika","last_name":"Musterfrau","birthday":"12.07.1985","address":"x","sex":"F"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	var he *echo.HTTPError
	if err := h.CreatePatient(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}

func TestUpdatePatient(t *testing.T) {
	stored := maxMustermann()
	ts := newTestService(stored)
	h := NewHandler(ts.Service)

	body := `{"first_name":"Max","last_name":"Mustermann","birthday":"1990-01-01","address":"Neue Str. 2, 12345 Mockcity","sex":"M"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(stored.ID.String())

	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got, _ := ts.repo.GetByID(context.Background(), stored.ID)
	if got.Address != "Neue Str. 2, 12345 Mockcity" {
		t.Errorf("expected updated address, got %q", got.Address)
	}
	if got.ExternalID == nil || *got.ExternalID != "123456" {
		t.Errorf("expected external id kept, got %v", got.ExternalID)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"extraction", &ExtractionError{Reason: "x"}, http.StatusBadRequest},
		{"invalid", patient.ErrInvalid, http.StatusBadRequest},
		{"not found", patient.ErrNotFound, http.StatusNotFound},
		{"mismatch", &patient.MismatchError{}, http.StatusConflict},
		{"duplicate", &patient.DuplicateError{Count: 3}, http.StatusConflict},
		{"external id conflict", &patient.StoreError{Op: "create", Err: patient.ErrExternalIDConflict}, http.StatusConflict},
		{"store", &patient.StoreError{Op: "update", Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"exhausted", patient.ErrIdentifierSpaceExhausted, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
