package store

import "encoding/json"

// marshalJSONB turns a config/data map into bytes for a JSONB column.
// nil maps become SQL NULL.
func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalJSONB decodes a JSONB column, treating NULL and 'null' as absent.
func unmarshalJSONB(raw []byte) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
