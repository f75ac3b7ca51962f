package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/labstack/echo/v4"
)

// prettyKey is the echo context key holding the negotiated pretty-print flag.
const prettyKey = "fhir.pretty"

// leadingKeys are written first, in this order, on any object that carries a
// resourceType. Remaining keys follow in lexical order.
var leadingKeys = []string{"resourceType", "id", "meta"}

// Canonicalize re-encodes a JSON document with deterministic key order. Numbers
// are preserved exactly as written.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON document", ErrInvalidRequest)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCanonical encodes v with json.Marshal and then canonicalizes it.
func MarshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return Canonicalize(raw)
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		return writeObject(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	default:
		return writeScalar(buf, t)
	}
}

func writeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	_, isResource := obj["resourceType"]
	lead := map[string]bool{}
	if isResource {
		for _, k := range leadingKeys {
			if _, ok := obj[k]; ok {
				keys = append(keys, k)
				lead[k] = true
			}
		}
	}
	rest := make([]string, 0, len(obj))
	for k := range obj {
		if !lead[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeScalar(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeScalar(buf *bytes.Buffer, v interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	// Encoder appends a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}

// SetPretty records the pretty-print choice for the current request.
func SetPretty(c echo.Context, pretty bool) {
	c.Set(prettyKey, pretty)
}

// IsPretty reports whether the response for this request should be indented.
func IsPretty(c echo.Context) bool {
	p, _ := c.Get(prettyKey).(bool)
	return p
}

// WriteJSON encodes v canonically and writes it with the FHIR content type.
func WriteJSON(c echo.Context, status int, v interface{}) error {
	var (
		body []byte
		err  error
	)
	switch t := v.(type) {
	case json.RawMessage:
		body, err = Canonicalize(t)
	case []byte:
		body, err = Canonicalize(t)
	default:
		body, err = MarshalCanonical(v)
	}
	if err != nil {
		return err
	}

	if IsPretty(c) {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err == nil {
			body = out.Bytes()
		}
	}
	return c.Blob(status, FHIRContentType, body)
}
