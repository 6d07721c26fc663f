package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// HeaderMap holds extra HTTP headers attached to every delivery for a
// subscription. Stored as a JSON object so the same column works on
// Postgres and SQLite.
type HeaderMap map[string]string

// Value implements driver.Valuer.
func (h HeaderMap) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *HeaderMap) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("cannot scan %T into HeaderMap", src)
	}
}
