package fhir

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is a keyset pagination position: the sort value and resource id of
// the last entry on the previous page. The pair uniquely identifies a position
// in a sorted result set, so a cursor stays valid across requests and server
// restarts.
type Cursor struct {
	Value string `json:"v"`
	ID    string `json:"id"`
	Sort  string `json:"s,omitempty"`
}

// EncodeCursor encodes a cursor into an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor decodes an opaque token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	var c Cursor
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("%w: invalid page token", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return c, fmt.Errorf("%w: invalid page token payload", ErrInvalidRequest)
	}
	return c, nil
}
