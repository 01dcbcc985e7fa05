package zoho

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultAccountsURL = "https://accounts.zoho.com"
	defaultAPIURL      = "https://www.zohoapis.com"
	tokenSkew          = 60 * time.Second
)

// Credentials are the OAuth self-client values issued by the Zoho API console.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Complete reports whether every credential is present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.ClientSecret) != "" &&
		strings.TrimSpace(c.RefreshToken) != ""
}

type recordRequest struct {
	Data []map[string]any `json:"data"`
}

type recordResponse struct {
	Data []struct {
		Code    string `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Details struct {
			ID string `json:"id"`
		} `json:"details"`
	} `json:"data"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("zoho: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client creates CRM records through the Zoho CRM v2 REST API.
type Client struct {
	creds       Credentials
	accountsURL string
	apiURL      string
	httpClient  *http.Client

	mu     sync.Mutex
	oauth  *oauth2.Config
	tokens oauth2.TokenSource
}

type Option func(*Client)

func WithAccountsURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.accountsURL = u
		}
	}
}

func WithAPIURL(u string) Option {
	return func(c *Client) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			c.apiURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if !creds.Complete() {
		return nil, errors.New("zoho: client id, client secret and refresh token are required")
	}
	c := &Client{
		creds:       creds,
		accountsURL: defaultAccountsURL,
		apiURL:      defaultAPIURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.oauth = &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.accountsURL + "/oauth/v2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	c.tokens = c.newTokenSource()
	return c, nil
}

// refreshSource exchanges the refresh token on every call; caching is left to
// the ReuseTokenSource wrapping it.
type refreshSource struct {
	ctx          context.Context
	oauth        *oauth2.Config
	refreshToken string
}

func (r refreshSource) Token() (*oauth2.Token, error) {
	return r.oauth.TokenSource(r.ctx, &oauth2.Token{RefreshToken: r.refreshToken}).Token()
}

// newTokenSource caches access tokens until tokenSkew before they expire.
func (c *Client) newTokenSource() oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	src := refreshSource{ctx: ctx, oauth: c.oauth, refreshToken: c.creds.RefreshToken}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, tokenSkew)
}

// CreateRecord inserts one record into module (e.g. "Contacts", "Notes") and
// returns its id. A rejected access token is refreshed once and the insert
// retried.
func (c *Client) CreateRecord(ctx context.Context, module string, fields map[string]any) (string, error) {
	module = strings.TrimSpace(module)
	if module == "" {
		return "", errors.New("zoho: module must not be empty")
	}
	id, err := c.createRecord(ctx, module, fields, false)
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		id, err = c.createRecord(ctx, module, fields, true)
	}
	if err != nil {
		return "", fmt.Errorf("zoho: create %s record: %w", module, err)
	}
	return id, nil
}

func (c *Client) createRecord(ctx context.Context, module string, fields map[string]any, forceRefresh bool) (string, error) {
	token, err := c.accessToken(ctx, forceRefresh)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(recordRequest{Data: []map[string]any{fields}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	u := c.apiURL + "/crm/v2/" + url.PathEscape(module)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)

	raw, err := c.do(req, u)
	if err != nil {
		return "", err
	}

	var out recordResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Data) == 0 {
		return "", errors.New("no records in response")
	}
	rec := out.Data[0]
	if !strings.EqualFold(rec.Code, "SUCCESS") {
		return "", fmt.Errorf("record rejected: %s: %s", rec.Code, rec.Message)
	}
	if rec.Details.ID == "" {
		return "", errors.New("record id missing from response")
	}
	return rec.Details.ID, nil
}

// accessToken returns a cached access token. forceRefresh drops the cache,
// for when the API rejected a token the cache still considers valid.
func (c *Client) accessToken(_ context.Context, forceRefresh bool) (string, error) {
	c.mu.Lock()
	if forceRefresh {
		c.tokens = c.newTokenSource()
	}
	tokens := c.tokens
	c.mu.Unlock()

	tok, err := tokens.Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) do(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
