package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openloop-hr/FeedbackLoop/internal/retry"
)

const (
	defaultBaseURL  = "https://sheets.googleapis.com/v4/spreadsheets"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	sheetsScope     = "https://www.googleapis.com/auth/spreadsheets"
	jwtGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// credentials mirrors the fields we need from a Google service-account key file.
type credentials struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// GoogleClient implements Service against the Google Sheets REST API using
// service-account JWT authentication.
type GoogleClient struct {
	httpClient    *http.Client
	baseURL       string
	tokenURL      string
	spreadsheetID string
	creds         credentials
	policy        retry.Policy

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// GoogleOption configures the Google Sheets client.
type GoogleOption func(*GoogleClient)

// WithSpreadsheetID sets the backing spreadsheet.
func WithSpreadsheetID(id string) GoogleOption {
	return func(c *GoogleClient) { c.spreadsheetID = id }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) GoogleOption {
	return func(c *GoogleClient) { c.httpClient = hc }
}

// WithBaseURL overrides the Sheets API endpoint, mainly for tests.
func WithBaseURL(base string) GoogleOption {
	return func(c *GoogleClient) { c.baseURL = strings.TrimRight(base, "/") }
}

// WithTokenURL overrides the OAuth token endpoint, mainly for tests.
func WithTokenURL(tokenURL string) GoogleOption {
	return func(c *GoogleClient) { c.tokenURL = tokenURL }
}

// WithRetryPolicy overrides the transient-error retry policy.
func WithRetryPolicy(p retry.Policy) GoogleOption {
	return func(c *GoogleClient) { c.policy = p }
}

// WithStaticToken injects a fixed bearer token, bypassing the JWT flow. Tests only.
func WithStaticToken(token string) GoogleOption {
	return func(c *GoogleClient) {
		c.accessToken = token
		c.tokenExpiry = time.Now().Add(24 * time.Hour)
	}
}

// NewGoogleClient builds a client from a service-account key file.
func NewGoogleClient(keyPath string, opts ...GoogleOption) (*GoogleClient, error) {
	client := &GoogleClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		policy:     retry.DefaultPolicy,
	}
	if keyPath != "" {
		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read service account key: %w", err)
		}
		if err := json.Unmarshal(raw, &client.creds); err != nil {
			return nil, fmt.Errorf("parse service account key: %w", err)
		}
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.tokenURL == "" {
		client.tokenURL = client.creds.TokenURI
	}
	if client.tokenURL == "" {
		client.tokenURL = defaultTokenURL
	}
	if client.spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	return client, nil
}

// token returns a cached access token, refreshing it through the signed-JWT
// grant when missing or close to expiry.
func (c *GoogleClient) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.creds.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse service account private key: %w", err)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.creds.ClientEmail,
		"scope": sheetsScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign service account assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtGrantType)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	slog.Debug("GoogleClient refreshed access token", "expires_in", tok.ExpiresIn)
	return c.accessToken, nil
}

// doJSON performs one authenticated API call and decodes the response into
// dest when non-nil. Server-side hiccups (429, 5xx) come back retryable; other
// API errors are permanent.
func (c *GoogleClient) doJSON(ctx context.Context, method, callURL string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal request payload: %w", err))
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, callURL, body)
	if err != nil {
		return retry.Permanent(err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sheets api call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sheets api transient status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return retry.Permanent(&apiError{status: resp.StatusCode, body: string(respBody)})
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return retry.Permanent(fmt.Errorf("decode sheets api response: %w", err))
		}
	}
	return nil
}

// apiError is a non-transient Sheets API failure.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("sheets api status %d: %s", e.status, e.body)
}

// ListRecords fetches all rows of a worksheet and maps them onto the header row.
func (c *GoogleClient) ListRecords(ctx context.Context, sheet string) ([]Record, error) {
	callURL := fmt.Sprintf("%s/%s/values/%s", c.baseURL, c.spreadsheetID, url.PathEscape(sheet))

	var result struct {
		Values [][]any `json:"values"`
	}
	err := c.policy.Do(ctx, "sheets.list_records", func() error {
		return c.doJSON(ctx, http.MethodGet, callURL, nil, &result)
	})
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(result.Values))
	for _, raw := range result.Values {
		row := make([]string, 0, len(raw))
		for _, cell := range raw {
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}
	records := rowsToRecords(rows)
	slog.Debug("GoogleClient ListRecords", "sheet", sheet, "records", len(records))
	return records, nil
}

// CreateSheet adds a worksheet with a header row. An "already exists" response
// from the API is treated as a reuse signal, not a failure.
func (c *GoogleClient) CreateSheet(ctx context.Context, title string, headers []string) error {
	callURL := fmt.Sprintf("%s/%s:batchUpdate", c.baseURL, c.spreadsheetID)
	payload := map[string]any{
		"requests": []any{
			map[string]any{
				"addSheet": map[string]any{
					"properties": map[string]any{"title": title},
				},
			},
		},
	}

	err := c.policy.Do(ctx, "sheets.create_sheet", func() error {
		return c.doJSON(ctx, http.MethodPost, callURL, payload, nil)
	})
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.body, "already exists") {
			slog.Warn("GoogleClient worksheet already exists, reusing it", "title", title)
			return nil
		}
		return err
	}
	return c.AppendRow(ctx, title, headers)
}

// AppendRow appends one row of values to a worksheet.
func (c *GoogleClient) AppendRow(ctx context.Context, sheet string, values []string) error {
	callURL := fmt.Sprintf("%s/%s/values/%s:append?valueInputOption=USER_ENTERED",
		c.baseURL, c.spreadsheetID, url.PathEscape(sheet))

	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	payload := map[string]any{"values": []any{cells}}

	return c.policy.Do(ctx, "sheets.append_row", func() error {
		return c.doJSON(ctx, http.MethodPost, callURL, payload, nil)
	})
}
