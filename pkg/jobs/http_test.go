package jobs

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gorilla/mux"

	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/models"
	"github.com/puzzlehealth/reconciler/pkg/extract"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// captureLoader records what the handler hands to the service, then fails
// with a validation error so the request never reaches the database.
type captureLoader struct {
	kinds  []models.ExtractKind
	labels []string
}

func (c *captureLoader) Load(kind models.ExtractKind, facilityLabel, source string, r io.Reader) (extract.Batch, error) {
	c.kinds = append(c.kinds, kind)
	c.labels = append(c.labels, facilityLabel)
	return extract.Batch{}, extract.NewValidationError("capture only")
}

func newTestRouter(loader extract.Loader) *mux.Router {
	svc := NewService(nil, nil, terminology.DefaultCatalog(), loader)
	r := mux.NewRouter()
	NewHandler(svc).Register(r)
	return r
}

func multipartUpload(t *testing.T, field, filename, facility string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if facility != "" {
		if err := mw.WriteField("facility", facility); err != nil {
			t.Fatalf("write facility field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("first name,last name\nJane,Doe\n")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestCreateRunRejectsUnknownExtractField(t *testing.T) {
	body, contentType := multipartUpload(t, "bogus", "bogus.csv", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(&captureLoader{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateRunRejectsNonMultipartBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	newTestRouter(&captureLoader{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateRunDefaultsFacilityLabelToFilename(t *testing.T) {
	loader := &captureLoader{}
	body, contentType := multipartUpload(t, "charges", "Medilodge of GTW charges.csv", "")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(loader).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d from validation error", rec.Code, http.StatusBadRequest)
	}
	if len(loader.kinds) != 1 || loader.kinds[0] != models.ExtractChargeCapture {
		t.Fatalf("loader kinds = %v, want [%s]", loader.kinds, models.ExtractChargeCapture)
	}
	if len(loader.labels) != 1 || loader.labels[0] != "Medilodge of GTW charges.csv" {
		t.Fatalf("loader labels = %v, want filename fallback", loader.labels)
	}
}

func TestCreateRunFacilityFieldOverridesFilename(t *testing.T) {
	loader := &captureLoader{}
	body, contentType := multipartUpload(t, "adt", "export-1234.csv", "Medilodge of Wyoming")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newTestRouter(loader).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d from validation error", rec.Code, http.StatusBadRequest)
	}
	if len(loader.labels) != 1 || loader.labels[0] != "Medilodge of Wyoming" {
		t.Fatalf("loader labels = %v, want the facility form value", loader.labels)
	}
	if loader.kinds[0] != models.ExtractADT {
		t.Fatalf("loader kind = %s, want %s", loader.kinds[0], models.ExtractADT)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=abc", 50},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+tc.query, nil)
		if got := parseLimit(req, 50); got != tc.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestParseOffset(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 0},
		{"offset=20", 20},
		{"offset=-1", 0},
		{"offset=x", 0},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+tc.query, nil)
		if got := parseOffset(req); got != tc.want {
			t.Errorf("parseOffset(%q) = %d, want %d", tc.query, got, tc.want)
		}
	}
}
