package airtable

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

	"golang.org/x/oauth2"

	"github.com/CapSens/etlify/crm"
)

const (
	// DefaultBaseURL is the public Airtable API host.
	DefaultBaseURL = "https://api.airtable.com"

	requestTimeout = 10 * time.Second
)

// Client speaks the Airtable v0 records API for one base. It implements
// crm.Adapter; the object type is the table name.
type Client struct {
	baseURL    string
	baseID     string
	httpClient *http.Client
}

// NewClient builds a client for baseID authenticated with a personal
// access token.
func NewClient(token, baseID string) *Client {
	httpClient := oauth2.NewClient(context.Background(),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	httpClient.Timeout = requestTimeout
	return &Client{baseURL: DefaultBaseURL, baseID: baseID, httpClient: httpClient}
}

// SetBaseURL points the client at another host, for tests.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

type recordResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type listResponse struct {
	Records []recordResponse `json:"records"`
}

// Upsert looks the record up by formula when idProperty carries a value,
// patches the hit, creates otherwise.
func (c *Client) Upsert(ctx context.Context, payload map[string]any, idProperty, objectType string) (string, error) {
	if idProperty != "" {
		if value, ok := payload[idProperty]; ok && value != nil {
			existingID, found, err := c.lookup(ctx, objectType, idProperty, value)
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

// Delete removes the record. 404 means it was already gone.
func (c *Client) Delete(ctx context.Context, crmID, objectType string) (bool, error) {
	status, data, err := c.do(ctx, http.MethodDelete, c.recordURL(objectType, crmID), nil)
	if err != nil {
		return false, err
	}
	switch {
	case status >= 200 && status < 300:
		var parsed recordResponse
		if err := json.Unmarshal(data, &parsed); err == nil && !parsed.Deleted && parsed.ID != "" {
			return false, crm.NewError(crm.KindAPI, status, "delete was not acknowledged")
		}
		return true, nil
	case status == http.StatusNotFound:
		return false, nil
	default:
		return false, errorFromResponse(status, data, fmt.Sprintf("delete of %s %s rejected", objectType, crmID))
	}
}

// lookup fetches at most one record matching {Field}='value'.
func (c *Client) lookup(ctx context.Context, table, field string, value any) (string, bool, error) {
	query := url.Values{}
	query.Set("filterByFormula", Formula(field, value))
	query.Set("maxRecords", "1")
	query.Set("pageSize", "1")

	status, data, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, c.baseID, url.PathEscape(table), query.Encode()), nil)
	if err != nil {
		return "", false, err
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if status < 200 || status >= 300 {
		return "", false, errorFromResponse(status, data, "lookup failed")
	}

	var parsed listResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, crm.NewError(crm.KindAPI, status, fmt.Sprintf("unparseable list response: %v", err))
	}
	if len(parsed.Records) == 0 {
		return "", false, nil
	}
	return parsed.Records[0].ID, true, nil
}

func (c *Client) create(ctx context.Context, table string, payload map[string]any) (string, error) {
	status, data, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/v0/%s/%s", c.baseURL, c.baseID, url.PathEscape(table)),
		map[string]any{"fields": payload})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", errorFromResponse(status, data, "create failed")
	}

	var parsed recordResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", crm.NewError(crm.KindAPI, status, fmt.Sprintf("unparseable create response: %v", err))
	}
	if parsed.ID == "" {
		return "", crm.NewError(crm.KindAPI, status, "create response carries no id")
	}
	return parsed.ID, nil
}

func (c *Client) patch(ctx context.Context, table, id string, payload map[string]any) (string, error) {
	status, data, err := c.do(ctx, http.MethodPatch, c.recordURL(table, id),
		map[string]any{"fields": payload})
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", errorFromResponse(status, data, "patch failed")
	}
	return id, nil
}

func (c *Client) recordURL(table, id string) string {
	return fmt.Sprintf("%s/v0/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table), id)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, crm.TransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, crm.TransportError(err)
	}
	return resp.StatusCode, data, nil
}

func errorFromResponse(status int, data []byte, message string) *crm.Error {
	apiErr := crm.ErrorFromStatus(status, message)
	var details map[string]any
	if err := json.Unmarshal(data, &details); err == nil {
		apiErr.Details = details
	}
	return apiErr
}
