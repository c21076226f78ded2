package hubspot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CapSens/etlify/crm"
)

func newTestClient(server *httptest.Server) *Client {
	client := NewClient("test-token")
	client.SetBaseURL(server.URL)
	return client
}

func TestUpsert_SearchHitPatches(t *testing.T) {
	var searchBody map[string]any
	var patchedID string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crm/v3/objects/contacts/search":
			_ = json.NewDecoder(r.Body).Decode(&searchBody)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"total":   1,
				"results": []map[string]any{{"id": "301"}},
			})
		case r.Method == http.MethodPatch && r.URL.Path == "/crm/v3/objects/contacts/301":
			patchedID = "301"
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "301"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	payload := map[string]any{"email": "Ada+Test@Example.COM", "firstname": "Ada"}

	id, err := client.Upsert(context.Background(), payload, "email", "contacts")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != "301" {
		t.Errorf("expected id 301, got %s", id)
	}
	if patchedID != "301" {
		t.Error("expected existing record to be patched")
	}

	groups, _ := searchBody["filterGroups"].([]any)
	if len(groups) != 3 {
		t.Fatalf("expected 3 filter groups (exact, additional_emails, %%2B fallback), got %d", len(groups))
	}

	first := filterAt(t, groups, 0)
	if first["value"] != "ada+test@example.com" {
		t.Errorf("expected lowercased email, got %v", first["value"])
	}
	second := filterAt(t, groups, 1)
	if second["propertyName"] != "additional_emails" || second["operator"] != "CONTAINS_TOKEN" {
		t.Errorf("expected additional_emails CONTAINS_TOKEN filter, got %v", second)
	}
	third := filterAt(t, groups, 2)
	if third["value"] != "ada%2Btest@example.com" {
		t.Errorf("expected %%2B encoded fallback, got %v", third["value"])
	}
}

func filterAt(t *testing.T, groups []any, index int) map[string]any {
	t.Helper()
	group, ok := groups[index].(map[string]any)
	if !ok {
		t.Fatalf("group %d is not an object", index)
	}
	filters, ok := group["filters"].([]any)
	if !ok || len(filters) == 0 {
		t.Fatalf("group %d has no filters", index)
	}
	filter, ok := filters[0].(map[string]any)
	if !ok {
		t.Fatalf("filter %d is not an object", index)
	}
	return filter
}

func TestUpsert_SearchMissCreates(t *testing.T) {
	var created map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/crm/v3/objects/contacts/search":
			_ = json.NewEncoder(w).Encode(map[string]any{"total": 0, "results": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/crm/v3/objects/contacts":
			_ = json.NewDecoder(r.Body).Decode(&created)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "777"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.Upsert(context.Background(), map[string]any{"email": "new@example.com"}, "email", "contacts")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != "777" {
		t.Errorf("expected id 777, got %s", id)
	}

	// The lookup property must survive into the created record
	properties, _ := created["properties"].(map[string]any)
	if properties["email"] != "new@example.com" {
		t.Errorf("expected email kept in create body, got %v", properties)
	}
}

func TestUpsert_Search404ProceedsToCreate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/crm/v3/objects/deals/search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "d-1"})
	}))
	defer server.Close()

	client := newTestClient(server)
	id, err := client.Upsert(context.Background(), map[string]any{"ref": "D42"}, "ref", "deals")
	if err != nil {
		t.Fatalf("expected 404 search to fall through to create, got %v", err)
	}
	if id != "d-1" {
		t.Errorf("expected id d-1, got %s", id)
	}
}

func TestUpsert_NoIDPropertySkipsSearch(t *testing.T) {
	var searched bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/crm/v3/objects/companies/search" {
			searched = true
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "c-9"})
	}))
	defer server.Close()

	client := newTestClient(server)
	if _, err := client.Upsert(context.Background(), map[string]any{"name": "ACME"}, "", "companies"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if searched {
		t.Error("expected no search without an id property")
	}
}

func TestUpsert_CreateWithoutIDIsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer server.Close()

	client := newTestClient(server)
	_, err := client.Upsert(context.Background(), map[string]any{"name": "ACME"}, "", "companies")
	if err == nil {
		t.Fatal("expected error for 2xx create without id, got nil")
	}
	if !crm.IsKind(err, crm.KindAPI) {
		t.Errorf("expected api error kind, got %v", err)
	}
}

func TestUpsert_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   crm.ErrorKind
	}{
		{http.StatusUnauthorized, crm.KindUnauthorized},
		{http.StatusUnprocessableEntity, crm.KindValidationFailed},
		{http.StatusTooManyRequests, crm.KindRateLimited},
		{http.StatusInternalServerError, crm.KindAPI},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "30")
			}
			w.WriteHeader(tt.status)
			_ = json.NewEncoder(w).Encode(map[string]any{"message": "nope"})
		}))

		client := newTestClient(server)
		_, err := client.Upsert(context.Background(), map[string]any{"name": "ACME"}, "", "companies")
		if !crm.IsKind(err, tt.kind) {
			t.Errorf("status %d: expected kind %s, got %v", tt.status, tt.kind, err)
		}
		if tt.status == http.StatusTooManyRequests {
			var apiErr *crm.Error
			if !errors.As(err, &apiErr) || apiErr.Details["retry_after"] != "30" {
				t.Errorf("expected retry_after detail, got %v", err)
			}
		}
		server.Close()
	}
}

func TestDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crm/v3/objects/contacts/301":
			w.WriteHeader(http.StatusNoContent)
		case "/crm/v3/objects/contacts/999":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	client := newTestClient(server)

	found, err := client.Delete(context.Background(), "301", "contacts")
	if err != nil || !found {
		t.Errorf("expected deleted=true, got %v / %v", found, err)
	}

	found, err = client.Delete(context.Background(), "999", "contacts")
	if err != nil || found {
		t.Errorf("expected deleted=false for 404, got %v / %v", found, err)
	}

	if _, err = client.Delete(context.Background(), "55", "deals"); !crm.IsKind(err, crm.KindUnauthorized) {
		t.Errorf("expected unauthorized for 403, got %v", err)
	}
}
