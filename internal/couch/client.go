package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Client talks to one CouchDB conductor instance for one notebook project.
//
// Construction resolves the project key into its data and metadata database
// names, so a Client that exists is a Client whose project was found.
//
// All requests are blocking and sequential; the export pipeline consumes
// records one at a time (see internal/conflate for the concurrency model).
type Client struct {
	baseURL    string
	httpClient *http.Client

	user   string
	token  string
	bearer string

	// resolved during NewClient
	projectName string
	dataDB      string
	metadataDB  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (used by tests and callers that
// need custom timeouts).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBasicAuth authenticates requests with a username and token.
func WithBasicAuth(user, token string) Option {
	return func(c *Client) {
		c.user = user
		c.token = token
	}
}

// WithBearerToken authenticates requests with a bearer token.
// Takes precedence over basic auth when both are set.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearer = token
	}
}

// projectInfo is the conductor's project descriptor.
type projectInfo struct {
	Name       string `json:"name"`
	MetadataDB struct {
		DBName string `json:"db_name"`
	} `json:"metadata_db"`
	DataDB struct {
		DBName string `json:"db_name"`
	} `json:"data_db"`
}

// NewClient resolves projectKey against the server and returns a client
// bound to the project's data and metadata databases.
func NewClient(ctx context.Context, baseURL, projectKey string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}

	var info projectInfo
	if err := c.getJSON(ctx, fmt.Sprintf("%s/projects/%s", c.baseURL, url.PathEscape(projectKey)), &info); err != nil {
		return nil, fmt.Errorf("resolve project %s: %w", projectKey, err)
	}
	if info.Name == "" || info.DataDB.DBName == "" || info.MetadataDB.DBName == "" {
		return nil, &NotFoundError{Kind: "project", ID: projectKey}
	}

	c.projectName = info.Name
	c.dataDB = info.DataDB.DBName
	c.metadataDB = info.MetadataDB.DBName

	slog.Debug("project resolved",
		"project", c.projectName,
		"data_db", c.dataDB,
		"metadata_db", c.metadataDB,
	)
	return c, nil
}

// ProjectName returns the project's display name.
func (c *Client) ProjectName() string {
	return c.projectName
}

// UISpec fetches the raw ui-specification document from the metadata
// database. Parsing belongs to internal/schema.
func (c *Client) UISpec(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s/ui-specification", c.baseURL, c.metadataDB), &raw); err != nil {
		return nil, fmt.Errorf("fetch ui-specification: %w", err)
	}
	return raw, nil
}

// authorize attaches whichever credential the client was built with.
func (c *Client) authorize(req *http.Request) {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
		return
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.token)
	}
}

// getJSON performs an authorized GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	body, _, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Method: http.MethodGet, URL: rawURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// get performs an authorized GET and returns the body and content type.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", &RequestError{Method: http.MethodGet, URL: rawURL, Err: err}
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &RequestError{Method: http.MethodGet, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &RequestError{Method: http.MethodGet, URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &RequestError{Method: http.MethodGet, URL: rawURL, Status: resp.StatusCode}
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// postJSON performs an authorized POST with a JSON payload and decodes the
// JSON response into out.
func (c *Client) postJSON(ctx context.Context, rawURL string, payload, out any) error {
	return c.sendJSON(ctx, http.MethodPost, rawURL, payload, out)
}

// putJSON performs an authorized PUT with a JSON payload.
func (c *Client) putJSON(ctx context.Context, rawURL string, payload, out any) error {
	return c.sendJSON(ctx, http.MethodPut, rawURL, payload, out)
}

func (c *Client) sendJSON(ctx context.Context, method, rawURL string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &RequestError{Method: method, URL: rawURL, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Method: method, URL: rawURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{Method: method, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestError{Method: method, URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{Method: method, URL: rawURL, Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &RequestError{Method: method, URL: rawURL, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
