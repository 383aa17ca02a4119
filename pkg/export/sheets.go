package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/puzzlehealth/reconciler/pkg/aggregate"
	"github.com/puzzlehealth/reconciler/pkg/common/httpclient"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

const (
	sheetsScope    = "https://www.googleapis.com/auth/spreadsheets"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

// SheetsUploader pushes the summary table into a Google spreadsheet using a
// service-account credential. The reporting sheet is the surface the billing
// team already watches, so a completed run lands there without anyone
// downloading a file.
type SheetsUploader struct {
	spreadsheetID string
	conf          *jwt.Config
	timeout       time.Duration
	baseURL       string
}

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func NewSheetsUploader(credentialsFile, spreadsheetID string, timeout time.Duration) (*SheetsUploader, error) {
	if credentialsFile == "" || spreadsheetID == "" {
		return nil, fmt.Errorf("sheets uploader configuration incomplete")
	}

	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading service-account credentials: %w", err)
	}
	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("parsing service-account credentials: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("service-account credentials missing client_email or private_key")
	}
	tokenURL := sa.TokenURI
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}

	conf := &jwt.Config{
		Email:      sa.ClientEmail,
		PrivateKey: []byte(sa.PrivateKey),
		Scopes:     []string{sheetsScope},
		TokenURL:   tokenURL,
	}

	return &SheetsUploader{
		spreadsheetID: spreadsheetID,
		conf:          conf,
		timeout:       timeout,
		baseURL:       "https://sheets.googleapis.com",
	}, nil
}

// Upload replaces the Summary range of the spreadsheet with the reconciled
// rows. Transient failures retry with backoff; the caller decides whether a
// final failure is fatal to its run.
func (u *SheetsUploader) Upload(ctx context.Context, cat terminology.Catalog, rows []aggregate.Row) error {
	cols := Columns(cat)

	values := make([][]interface{}, 0, len(rows)+1)
	header := make([]interface{}, len(cols))
	for i, col := range cols {
		header[i] = col.Title
	}
	values = append(values, header)
	for _, row := range rows {
		record := make([]interface{}, len(cols))
		for i, col := range cols {
			record[i] = col.Value(row)
		}
		values = append(values, record)
	}

	rangeRef := summarySheet + "!A1"
	payload, err := json.Marshal(map[string]interface{}{
		"range":          rangeRef,
		"majorDimension": "ROWS",
		"values":         values,
	})
	if err != nil {
		return fmt.Errorf("encoding sheet values: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s?valueInputOption=RAW",
		u.baseURL, url.PathEscape(u.spreadsheetID), url.PathEscape(rangeRef))

	// The jwt config signs requests through its own transport; give it our
	// tuned base client for the actual wire calls.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpclient.New(u.timeout))
	client := u.conf.Client(ctx)

	return httpclient.Retry(ctx, 3, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("sheets update returned status %d: %s", resp.StatusCode, snippet)
		}
		return nil
	})
}
