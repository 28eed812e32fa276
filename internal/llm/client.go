// Package llm talks to the model gateway backing attribute generation and
// data-element mapping suggestions. Prompting lives behind the gateway; this
// client only moves structured requests and responses.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthorized marks gateway rejections of our credentials. Tasks treat
// it as fatal rather than retrying item by item.
var ErrUnauthorized = errors.New("llm: unauthorized")

// Client wraps interactions with the model gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// AttributeRequest asks for test attributes covering one section of
// regulatory text.
type AttributeRequest struct {
	ReportID   int64  `json:"report_id"`
	Regulation string `json:"regulation"`
	Section    string `json:"section"`
}

// Attribute is one generated test attribute.
type Attribute struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DataType    string `json:"data_type"`
	Mandatory   bool   `json:"mandatory"`
}

// MappingRequest asks for the source column best matching a data element.
type MappingRequest struct {
	ElementName string   `json:"element_name"`
	Description string   `json:"description,omitempty"`
	Candidates  []string `json:"candidates,omitempty"`
}

// MappingSuggestion is the gateway's pick with its confidence.
type MappingSuggestion struct {
	Column     string  `json:"column"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// Ping checks if the gateway is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("llm gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// GenerateAttributes produces test attributes for a section of text.
func (c *Client) GenerateAttributes(ctx context.Context, req AttributeRequest) ([]Attribute, error) {
	var out struct {
		Attributes []Attribute `json:"attributes"`
	}
	if err := c.post(ctx, "/v1/attributes/generate", req, &out); err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// SuggestMapping asks for the best column for one data element.
func (c *Client) SuggestMapping(ctx context.Context, req MappingRequest) (MappingSuggestion, error) {
	var out MappingSuggestion
	if err := c.post(ctx, "/v1/mappings/suggest", req, &out); err != nil {
		return MappingSuggestion{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: gateway returned status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("llm gateway returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
