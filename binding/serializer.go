package binding

import (
	"encoding/json"
	"fmt"
)

// Serializer turns a record into the payload map sent to a CRM adapter.
type Serializer interface {
	CRMPayload(record any) (map[string]any, error)
}

// SerializerFunc adapts a function to the Serializer interface.
type SerializerFunc func(record any) (map[string]any, error)

func (f SerializerFunc) CRMPayload(record any) (map[string]any, error) {
	return f(record)
}

// StructPayload is the generic structural serializer: a JSON round-trip
// of the record. Field visibility follows the record's json tags, which
// makes it a reasonable default for models that mirror one-to-one.
func StructPayload(record any) (map[string]any, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %T: %w", record, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to rebuild payload for %T: %w", record, err)
	}
	return payload, nil
}
