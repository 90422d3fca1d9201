package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursorVersion is bumped whenever the cursor wire shape changes, so an
// older client's stale cursor fails fast instead of silently
// misinterpreting a field (resolves spec.md §9's open cursor-encoding
// question: a version-tagged base64url JSON tuple).
const cursorVersion = 1

type cursorPayload struct {
	V    int   `json:"v"`
	Sort []any `json:"sort"`
}

// EncodeCursor serializes a two-component Elasticsearch sort tail
// (@timestamp, _id) into an opaque string cursor.
func EncodeCursor(sort []any) string {
	payload := cursorPayload{V: cursorVersion, Sort: sort}
	raw, _ := json.Marshal(payload) // payload is always marshalable: []any of strings/numbers
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor string back into its sort tail.
func DecodeCursor(cursor string) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor encoding: %w", err)
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed cursor payload: %w", err)
	}
	if payload.V != cursorVersion {
		return nil, fmt.Errorf("unsupported cursor version %d", payload.V)
	}
	if len(payload.Sort) != 2 {
		return nil, fmt.Errorf("cursor must carry a two-component sort tail")
	}
	return payload.Sort, nil
}
