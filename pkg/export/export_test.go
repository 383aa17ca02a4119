package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/csv"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/dedup"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func emptyRow(t *testing.T, display string) aggregate.Row {
	t.Helper()
	cat := terminology.DefaultCatalog()
	return aggregate.Aggregate("medilodge", display, dedup.New("medilodge", 3), &cat)
}

func TestColumnsFixedLeadersThenCatalogOrder(t *testing.T) {
	cols := Columns(terminology.DefaultCatalog())

	titles := make([]string, len(cols))
	for i, col := range cols {
		titles[i] = col.Title
	}

	lead := []string{"Facility", "Unique Patients", "Patients Served", "Total Visits", "Avg Visits Per Patient"}
	for i, want := range lead {
		if titles[i] != want {
			t.Fatalf("column %d = %q, want %q", i, titles[i], want)
		}
	}

	pos := func(title string) int {
		for i, got := range titles {
			if got == title {
				return i
			}
		}
		t.Fatalf("column %q missing; have %v", title, titles)
		return -1
	}
	if pos("LTC Gross") > pos("Injections Gross") {
		t.Fatalf("categories out of declaration order: %v", titles)
	}
	if pos("CPT 20600") > pos("CPT 20611") {
		t.Fatalf("codes out of declaration order: %v", titles)
	}
}

func TestColumnsAppendWhenCatalogGrows(t *testing.T) {
	base := terminology.DefaultCatalog()
	grown := terminology.DefaultCatalog()
	grown.ProcedureCodes = append(grown.ProcedureCodes, "27096")

	baseCols := Columns(base)
	grownCols := Columns(grown)
	if len(grownCols) != len(baseCols)+1 {
		t.Fatalf("one new code should add one column: %d vs %d", len(grownCols), len(baseCols))
	}

	lastCode := 0
	for i, col := range grownCols {
		if strings.HasPrefix(col.Title, "CPT ") {
			lastCode = i
		}
	}
	if grownCols[lastCode].Title != "CPT 27096" {
		t.Fatalf("new code should append after existing codes, got %q", grownCols[lastCode].Title)
	}
}

func TestEveryColumnRendersForZeroPopulation(t *testing.T) {
	row := emptyRow(t, "Medilodge of Wyoming")
	for _, col := range Columns(terminology.DefaultCatalog()) {
		if col.Value(row) == "" {
			t.Fatalf("column %q rendered blank for an empty facility", col.Title)
		}
	}
}

func TestWriteCSV(t *testing.T) {
	cat := terminology.DefaultCatalog()
	var buf bytes.Buffer
	if err := WriteCSV(&buf, cat, []aggregate.Row{emptyRow(t, "Medilodge of Wyoming")}); err != nil {
		t.Fatalf("WriteCSV returned error: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("rendered CSV does not parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(records))
	}
	if len(records[0]) != len(records[1]) {
		t.Fatalf("header and row widths differ: %d vs %d", len(records[0]), len(records[1]))
	}
	if records[1][0] != "Medilodge of Wyoming" {
		t.Fatalf("expected facility cell first, got %q", records[1][0])
	}
}

func TestWorkbookSheets(t *testing.T) {
	cat := terminology.DefaultCatalog()
	f, err := Workbook(cat, []aggregate.Row{emptyRow(t, "Medilodge of Wyoming")})
	if err != nil {
		t.Fatalf("Workbook returned error: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "Summary" {
		t.Fatalf("expected Summary plus one facility sheet, got %v", sheets)
	}

	cell, err := f.GetCellValue("Summary", "A1")
	if err != nil {
		t.Fatalf("reading back A1: %v", err)
	}
	if cell != "Facility" {
		t.Fatalf("expected Facility header, got %q", cell)
	}
	cell, err = f.GetCellValue("Summary", "A2")
	if err != nil {
		t.Fatalf("reading back A2: %v", err)
	}
	if cell != "Medilodge of Wyoming" {
		t.Fatalf("expected facility name in first data row, got %q", cell)
	}
}

func TestSheetNames(t *testing.T) {
	used := map[string]bool{"summary": true}

	if got := sheetName("Medilodge of Grand Blanc: West [2]", used); strings.ContainsAny(got, ":[]") {
		t.Fatalf("illegal characters survived: %q", got)
	}
	long := sheetName("An Extremely Long Facility Display Name Indeed", used)
	if len(long) > 31 {
		t.Fatalf("sheet name exceeds 31 characters: %q", long)
	}
	first := sheetName("Medilodge", used)
	second := sheetName("Medilodge", used)
	if first == second {
		t.Fatalf("duplicate display names must get distinct sheets, both %q", first)
	}
}

func testCredentials(t *testing.T, tokenURL string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	creds, err := json.Marshal(map[string]string{
		"client_email": "reconciler@test-project.iam.gserviceaccount.com",
		"private_key":  string(pemBytes),
		"token_uri":    tokenURL,
	})
	if err != nil {
		t.Fatalf("marshaling credentials: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, creds, 0o600); err != nil {
		t.Fatalf("writing credentials: %v", err)
	}
	return path
}

func TestSheetsUploaderPutsSummaryRange(t *testing.T) {
	var gotAuth, gotBody string
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/v4/spreadsheets/") {
			var buf bytes.Buffer
			buf.ReadFrom(r.Body)
			gotBody = buf.String()
			gotAuth = r.Header.Get("Authorization")
			gotMethod = r.Method
			w.Write([]byte(`{}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	uploader, err := NewSheetsUploader(testCredentials(t, server.URL+"/token"), "sheet-123", 5*time.Second)
	if err != nil {
		t.Fatalf("NewSheetsUploader returned error: %v", err)
	}
	uploader.baseURL = server.URL

	cat := terminology.DefaultCatalog()
	err = uploader.Upload(context.Background(), cat, []aggregate.Row{emptyRow(t, "Medilodge of Wyoming")})
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %q", gotMethod)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("expected bearer token on request, got %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"Facility"`) || !strings.Contains(gotBody, "Medilodge of Wyoming") {
		t.Fatalf("payload missing summary values: %s", gotBody)
	}
}

func TestNewSheetsUploaderRejectsIncompleteConfig(t *testing.T) {
	if _, err := NewSheetsUploader("", "sheet-123", time.Second); err == nil {
		t.Fatalf("expected error for missing credentials file")
	}
	if _, err := NewSheetsUploader("/tmp/creds.json", "", time.Second); err == nil {
		t.Fatalf("expected error for missing spreadsheet id")
	}
}
