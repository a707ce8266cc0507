package emr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/auth"
)

func newTestContext(method, target, body string, userID string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, []string{"physician"}, ""))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) *echo.HTTPError {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError %d, got %v", code, err)
	}
	if httpErr.Code != code {
		t.Fatalf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
	return httpErr
}

func TestHandler_Save(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)

	c, rec := newTestContext(http.MethodPut, "/", `{"data":{"diagnosis":{"main":"Asthma","icd10_code":"J45"}}}`, "dr-a", "anchor", "42")
	c.Request().Header.Set(SessionHeader, "sess-a1")
	if err := h.Save(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"1"` {
		t.Errorf("expected ETag W/\"1\", got %s", etag)
	}
	var created Record
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != StatusDraft || created.ExtractedCode != "J45" {
		t.Errorf("unexpected record %+v", created)
	}

	c, rec = newTestContext(http.MethodPut, "/", `{"data":{"note":"x"},"expected_row_version":1,"is_draft":false}`, "dr-a", "anchor", "42")
	if err := h.Save(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var updated Record
	_ = json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Version != 2 || updated.Status != StatusInProgress {
		t.Errorf("expected in_progress v2, got %s v%d", updated.Status, updated.Version)
	}

	entries := f.repo.auditEntries()
	if entries[0].SourceAddress == nil || entries[0].ActorRole != "physician" {
		t.Errorf("expected request attribution on audit entry, got %+v", entries[0])
	}
}

func TestHandler_Save_LargeIntegerRoundTrip(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)

	c, rec := newTestContext(http.MethodPut, "/", `{"data":{"lab_accession":9007199254740993,"dose_mg":2.50}}`, "dr-a", "anchor", "42")
	if err := h.Save(c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"lab_accession":9007199254740993`) {
		t.Errorf("expected exact accession number in response, got %s", rec.Body.String())
	}

	c, rec = newTestContext(http.MethodGet, "/", "", "dr-a", "anchor", "42", "version", "1")
	if err := h.GetRevision(c); err != nil {
		t.Fatal(err)
	}
	var rev Revision
	if err := json.Unmarshal(rec.Body.Bytes(), &rev); err != nil {
		t.Fatal(err)
	}
	if rev.Data["lab_accession"] != json.Number("9007199254740993") {
		t.Errorf("expected exact accession number in revision, got %v", rev.Data["lab_accession"])
	}
}

func TestHandler_Save_Conflict(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	f.save(t, 42, Data{"a": 1}, 0, drA)
	f.save(t, 42, Data{"a": 2}, 0, drA)

	c, _ := newTestContext(http.MethodPut, "/", `{"data":{"a":3}}`, "dr-b", "anchor", "42")
	c.Request().Header.Set("If-Match", `W/"1"`)
	httpErr := expectHTTPError(t, h.Save(c), http.StatusConflict)

	body, ok := httpErr.Message.(ConflictResponse)
	if !ok {
		t.Fatalf("expected conflict detail, got %T", httpErr.Message)
	}
	if body.CurrentVersion != 2 || body.YourVersion != 1 || body.LastEditedBy != "dr-a" {
		t.Errorf("unexpected conflict body %+v", body)
	}
}

func TestHandler_Save_BadInput(t *testing.T) {
	h := NewHandler(newFixture().svc)

	c, _ := newTestContext(http.MethodPut, "/", `{}`, "dr-a", "anchor", "abc")
	expectHTTPError(t, h.Save(c), http.StatusBadRequest)

	c, _ = newTestContext(http.MethodPut, "/", `{}`, "dr-a", "anchor", "42")
	c.Request().Header.Set("If-Match", "nonsense")
	expectHTTPError(t, h.Save(c), http.StatusBadRequest)

	c, _ = newTestContext(http.MethodPut, "/", `{}`, "", "anchor", "42")
	expectHTTPError(t, h.Save(c), http.StatusUnauthorized)

	c, _ = newTestContext(http.MethodPut, "/", `{}`, "dr-a", "anchor", "999")
	expectHTTPError(t, h.Save(c), http.StatusNotFound)
}

func TestHandler_SignAndAmend(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	f.save(t, 42, Data{"a": 1}, 0, drA)

	c, rec := newTestContext(http.MethodPost, "/", `{}`, "dr-a", "anchor", "42")
	if err := h.Sign(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newTestContext(http.MethodPost, "/", `{}`, "dr-a", "anchor", "42")
	expectHTTPError(t, h.Sign(c), http.StatusConflict)

	c, _ = newTestContext(http.MethodPut, "/", `{"data":{"a":2}}`, "dr-a", "anchor", "42")
	expectHTTPError(t, h.Save(c), http.StatusConflict)

	c, _ = newTestContext(http.MethodPost, "/", `{"reason":"too short"}`, "dr-a", "anchor", "42")
	expectHTTPError(t, h.Amend(c), http.StatusUnprocessableEntity)

	c, rec = newTestContext(http.MethodPost, "/", `{"data":{"a":2},"reason":"Corrected dosage per lab recheck"}`, "dr-a", "anchor", "42")
	if err := h.Amend(c); err != nil {
		t.Fatal(err)
	}
	var amended Record
	_ = json.Unmarshal(rec.Body.Bytes(), &amended)
	if amended.Status != StatusAmended {
		t.Errorf("expected amended, got %s", amended.Status)
	}
}

func TestHandler_RestoreAndDiff(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	f.save(t, 42, Data{"a": 1}, 0, drA)
	f.save(t, 42, Data{"a": 2, "b": "x"}, 0, drA)

	c, _ := newTestContext(http.MethodPost, "/", `{"target_version":0}`, "dr-a", "anchor", "42")
	expectHTTPError(t, h.Restore(c), http.StatusBadRequest)

	c, _ = newTestContext(http.MethodPost, "/", `{"target_version":9}`, "dr-a", "anchor", "42")
	expectHTTPError(t, h.Restore(c), http.StatusNotFound)

	c, rec := newTestContext(http.MethodPost, "/", `{"target_version":1,"reason":"wrong visit"}`, "dr-a", "anchor", "42")
	if err := h.Restore(c); err != nil {
		t.Fatal(err)
	}
	if etag := rec.Header().Get("ETag"); etag != `W/"3"` {
		t.Errorf("expected ETag W/\"3\", got %s", etag)
	}

	c, rec = newTestContext(http.MethodGet, "/?from=1&to=2", "", "dr-a", "anchor", "42")
	if err := h.Diff(c); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Changes []FieldChange `json:"changes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Changes) != 2 || body.Changes[0].Field != "a" || body.Changes[1].ChangeType != DiffAdded {
		t.Errorf("unexpected changes %+v", body.Changes)
	}

	c, _ = newTestContext(http.MethodGet, "/?from=x&to=2", "", "dr-a", "anchor", "42")
	expectHTTPError(t, h.Diff(c), http.StatusBadRequest)
}

func TestHandler_ReadsLogViews(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	saved := f.save(t, 42, Data{"a": 1}, 0, drA)

	c, rec := newTestContext(http.MethodGet, "/", "", "nurse-1", "anchor", "42")
	if err := h.GetByAnchor(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Header().Get("ETag"))
	}

	c, _ = newTestContext(http.MethodGet, "/", "", "nurse-1", "id", saved.ID.String())
	if err := h.GetRecord(c); err != nil {
		t.Fatal(err)
	}

	c, _ = newTestContext(http.MethodGet, "/", "", "nurse-1", "subject", "7")
	if err := h.ListBySubject(c); err != nil {
		t.Fatal(err)
	}

	if len(f.auditor.views) != 3 {
		t.Fatalf("expected 3 views, got %d", len(f.auditor.views))
	}
	for _, a := range f.auditor.viewBy {
		if a.ID != "nurse-1" {
			t.Errorf("view attributed to %s", a.ID)
		}
	}

	c, _ = newTestContext(http.MethodGet, "/", "", "nurse-1", "anchor", "43")
	expectHTTPError(t, h.GetByAnchor(c), http.StatusNotFound)
	if len(f.auditor.views) != 3 {
		t.Error("a failed read must not log a view")
	}
}

func TestHandler_HistoryAndRevision(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	f.save(t, 42, Data{"a": 1}, 0, drA)
	f.save(t, 42, Data{"a": 2}, 0, drA)

	c, rec := newTestContext(http.MethodGet, "/?limit=1", "", "dr-a", "anchor", "42")
	if err := h.History(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Data    []RevisionSummary `json:"data"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 1 || page.Data[0].Version != 2 || !page.HasMore {
		t.Errorf("unexpected history page %+v", page)
	}

	c, rec = newTestContext(http.MethodGet, "/", "", "dr-a", "anchor", "42", "version", "1")
	if err := h.GetRevision(c); err != nil {
		t.Fatal(err)
	}
	var rev Revision
	_ = json.Unmarshal(rec.Body.Bytes(), &rev)
	if rev.Version != 1 || rev.Data["a"] != json.Number("1") {
		t.Errorf("unexpected revision %+v", rev)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrRevisionNotFound, http.StatusNotFound},
		{ErrUnknownAnchor, http.StatusNotFound},
		{ErrConcurrencyConflict, http.StatusConflict},
		{&ConflictError{CurrentVersion: 3, YourVersion: 2}, http.StatusConflict},
		{ErrRecordSigned, http.StatusConflict},
		{ErrAlreadySigned, http.StatusConflict},
		{ErrNotSigned, http.StatusConflict},
		{ErrReasonTooShort, http.StatusUnprocessableEntity},
		{ErrInvalidData, http.StatusBadRequest},
		{newStorageError("save", errors.New("pq: password authentication failed")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		httpErr := expectHTTPError(t, httpError(tt.err), tt.code)
		if tt.code == http.StatusInternalServerError {
			if msg, _ := httpErr.Message.(string); strings.Contains(msg, "password") {
				t.Errorf("storage detail leaked: %s", msg)
			}
		}
	}
}
