package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/CapSens/etlify/crm"
)

const (
	// DefaultBaseURL is the public HubSpot API host.
	DefaultBaseURL = "https://api.hubapi.com"

	requestTimeout = 10 * time.Second
)

// Client speaks the HubSpot v3 objects API: search, create, patch,
// delete. It implements crm.Adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client authenticated with a private-app token.
func NewClient(token string) *Client {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = requestTimeout
	return &Client{baseURL: DefaultBaseURL, httpClient: httpClient}
}

// SetBaseURL points the client at another host, for tests.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

type objectResponse struct {
	ID string `json:"id"`
}

// Upsert searches for an existing object when idProperty carries a
// value, then patches the hit or creates a fresh object. The idProperty
// value stays in the create body.
func (c *Client) Upsert(ctx context.Context, payload map[string]any, idProperty, objectType string) (string, error) {
	if idProperty != "" {
		if value := stringValue(payload[idProperty]); value != "" {
			existingID, found, err := c.search(ctx, objectType, idProperty, value)
			if err != nil {
				return "", err
			}
			if found {
				return c.patch(ctx, objectType, existingID, payload)
			}
		}
	}
	return c.create(ctx, objectType, payload)
}

// Delete removes the remote object. 404 means it was already gone.
func (c *Client) Delete(ctx context.Context, crmID, objectType string) (bool, error) {
	status, _, header, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("%s/crm/v3/objects/%s/%s", c.baseURL, objectType, crmID), nil)
	if err != nil {
		return false, err
	}
	switch {
	case status >= 200 && status < 300:
		return true, nil
	case status == http.StatusNotFound:
		return false, nil
	default:
		return false, c.errorFromResponse(status, nil, header, fmt.Sprintf("delete of %s %s rejected", objectType, crmID))
	}
}

// search runs the v3 search endpoint. The value is lowercased; filter
// groups OR together an exact match, a CONTAINS_TOKEN probe against
// additional_emails for email lookups, and a fallback with "+" encoded
// as %2B; the fallbacks go out on every search, hit or not.
func (c *Client) search(ctx context.Context, objectType, property, value string) (string, bool, error) {
	lowered := strings.ToLower(value)

	groups := []map[string]any{
		{"filters": []map[string]any{{
			"propertyName": property,
			"operator":     "EQ",
			"value":        lowered,
		}}},
	}
	if property == "email" {
		groups = append(groups, map[string]any{"filters": []map[string]any{{
			"propertyName": "additional_emails",
			"operator":     "CONTAINS_TOKEN",
			"value":        lowered,
		}}})
	}
	groups = append(groups, map[string]any{"filters": []map[string]any{{
		"propertyName": property,
		"operator":     "EQ",
		"value":        strings.ReplaceAll(lowered, "+", "%2B"),
	}}})

	body := map[string]any{"filterGroups": groups, "limit": 1}
	status, data, header, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/crm/v3/objects/%s/search", c.baseURL, objectType), body)
	if err != nil {
		return "", false, err
	}

	// A 404 from search means the object type has no index yet: not
	// found, proceed to create.
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if status < 200 || status >= 300 {
		return "", false, c.errorFromResponse(status, data, header, "search failed")
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, crm.NewError(crm.KindAPI, status, fmt.Sprintf("unparseable search response: %v", err))
	}
	if len(parsed.Results) == 0 {
		return "", false, nil
	}
	return parsed.Results[0].ID, true, nil
}

func (c *Client) create(ctx context.Context, objectType string, payload map[string]any) (string, error) {
	status, data, header, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/crm/v3/objects/%s", c.baseURL, objectType),
		map[string]any{"properties": payload})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", c.errorFromResponse(status, data, header, "create failed")
	}

	var parsed objectResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", crm.NewError(crm.KindAPI, status, fmt.Sprintf("unparseable create response: %v", err))
	}
	if parsed.ID == "" {
		return "", crm.NewError(crm.KindAPI, status, "create response carries no id")
	}
	return parsed.ID, nil
}

func (c *Client) patch(ctx context.Context, objectType, id string, payload map[string]any) (string, error) {
	status, data, header, err := c.do(ctx, http.MethodPatch,
		fmt.Sprintf("%s/crm/v3/objects/%s/%s", c.baseURL, objectType, id),
		map[string]any{"properties": payload})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", c.errorFromResponse(status, data, header, "patch failed")
	}
	return id, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any) (int, []byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, crm.TransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, crm.TransportError(err)
	}
	return resp.StatusCode, data, resp.Header, nil
}

// errorFromResponse maps a non-2xx response into the adapter taxonomy,
// keeping the decoded body and Retry-After hints in the details.
func (c *Client) errorFromResponse(status int, data []byte, header http.Header, message string) *crm.Error {
	apiErr := crm.ErrorFromStatus(status, message)
	var details map[string]any
	if err := json.Unmarshal(data, &details); err == nil {
		apiErr.Details = details
	}
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if apiErr.Details == nil {
			apiErr.Details = map[string]any{}
		}
		apiErr.Details["retry_after"] = retryAfter
	}
	return apiErr
}

func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
