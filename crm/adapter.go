package crm

import "context"

// Adapter is the two-operation wire contract against one CRM back-end.
type Adapter interface {
	// Upsert finds-or-creates the remote record for the given payload and
	// returns the remote id. When idProperty is set and the payload carries
	// a value for it, the adapter first looks the record up remotely and
	// patches on a hit. The idProperty value stays present in created
	// records.
	Upsert(ctx context.Context, payload map[string]any, idProperty, objectType string) (string, error)

	// Delete removes the remote record. Returns true on success, false when
	// the record was already gone (404). Other failures surface as *Error.
	Delete(ctx context.Context, crmID, objectType string) (bool, error)
}
