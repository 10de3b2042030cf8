package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/citeline/internal/config"
	"golang.org/x/oauth2/clientcredentials"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// newHTTPClient returns a client that authenticates with OAuth2 client
// credentials when configured, and otherwise a plain client.
func newHTTPClient(auth config.OAuth2Config, timeout time.Duration) *http.Client {
	if !auth.Enabled() {
		return &http.Client{Timeout: timeout}
	}
	cc := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	client := cc.Client(context.Background())
	client.Timeout = timeout
	return client
}

// SearchClient calls the retrieval service over HTTP.
type SearchClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// SearchClientOpts holds parameters for creating a SearchClient.
type SearchClientOpts struct {
	BaseURL    string
	APIKey     string // sent as a bearer token when OAuth2 is not configured
	OAuth2     config.OAuth2Config
	Timeout    time.Duration
	HTTPClient *http.Client // overrides OAuth2 and Timeout when set
}

// NewSearchClient creates a SearchClient.
func NewSearchClient(opts SearchClientOpts) (*SearchClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("retrieval: base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.OAuth2, opts.Timeout)
	}
	return &SearchClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: client,
	}, nil
}

type searchResponse struct {
	Results []struct {
		DocumentID   string  `json:"document_id"`
		DocumentName string  `json:"document_name"`
		Text         string  `json:"text"`
		Score        float64 `json:"score"`
		Metadata     struct {
			Page *int `json:"page"`
		} `json:"metadata"`
	} `json:"results"`
}

// Search implements Searcher. Results come back in the service's rank order.
func (c *SearchClient) Search(ctx context.Context, req SearchRequest) ([]Chunk, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: encode: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval: search: %w", statusError(resp))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("retrieval: search: decode: %w", err)
	}
	chunks := make([]Chunk, 0, len(out.Results))
	for _, r := range out.Results {
		if r.DocumentID == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			DocumentID:   r.DocumentID,
			DocumentName: r.DocumentName,
			Text:         r.Text,
			Score:        ClampScore(r.Score),
			Page:         r.Metadata.Page,
		})
	}
	return chunks, nil
}

func (c *SearchClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// DocumentClient resolves document names from the document-management
// service.
type DocumentClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// DocumentClientOpts holds parameters for creating a DocumentClient.
type DocumentClientOpts struct {
	BaseURL    string
	APIKey     string
	OAuth2     config.OAuth2Config
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewDocumentClient creates a DocumentClient.
func NewDocumentClient(opts DocumentClientOpts) (*DocumentClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("retrieval: documents base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.OAuth2, opts.Timeout)
	}
	return &DocumentClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: client,
	}, nil
}

// DocumentName implements DocumentLookup.
func (c *DocumentClient) DocumentName(ctx context.Context, orgID, documentID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/organizations/%s/documents/%s",
		c.baseURL, url.PathEscape(orgID), url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("retrieval: document %s: %w", documentID, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieval: document %s: %w", documentID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("retrieval: document %s: %w", documentID, ErrDocumentNotFound)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("retrieval: document %s: %w", documentID, statusError(resp))
	}

	var doc struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("retrieval: document %s: decode: %w", documentID, err)
	}
	return doc.Name, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}
