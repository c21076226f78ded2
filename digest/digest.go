package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Strategy computes a stable fingerprint for a payload. Implementations
// must be pure: the same payload always yields the same string.
type Strategy func(payload map[string]any) (string, error)

// SHA256 is the default strategy: SHA-256 hex over a canonical JSON
// encoding of the payload. Map keys are sorted recursively, so two
// payloads differing only in key insertion order hash identically.
func SHA256(payload map[string]any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, payload); err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

func writeCanonical(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeJSON(b, k); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := writeCanonical(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		return writeJSON(b, v)
	}
}

// writeJSON encodes scalars (and any value that is not a generic map or
// slice) with the standard JSON encoder so numbers and booleans keep
// their literal form.
func writeJSON(b *strings.Builder, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.Write(data)
	return nil
}
