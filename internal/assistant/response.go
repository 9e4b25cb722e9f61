package assistant

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned by a backend that produced no usable output.
var ErrEmptyResponse = errors.New("assistant returned an empty response")

// extractionOrder is the field priority ExtractText applies to Structured
// responses.
var extractionOrder = []string{"message", "response", "text", "data"}

// Response is what an assistant backend returns: either PlainText or
// Structured.
type Response interface {
	isResponse()
}

// PlainText is a reply that is already display text.
type PlainText string

// Structured is a reply decoded from a JSON object. Recognized fields are
// message, response, text and data; any other shape is still valid.
type Structured struct {
	Fields map[string]any
}

func (PlainText) isResponse()  {}
func (Structured) isResponse() {}

// ParseResponse turns raw backend output into a Response. A JSON object
// becomes Structured; anything else, including JSON arrays and scalars, is
// kept verbatim as PlainText.
func ParseResponse(raw string) Response {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil && fields != nil {
			return Structured{Fields: fields}
		}
	}
	return PlainText(raw)
}

// ExtractText returns the display text of a response. Plain text is returned
// unchanged. For a structured response the first non-empty field in the
// order message, response, text, data wins; strings are used as is and other
// values are JSON-encoded. When none of those fields is set the whole object
// is serialized. The result may be empty; callers substitute their own
// fallback.
func ExtractText(r Response) string {
	switch v := r.(type) {
	case PlainText:
		return string(v)
	case Structured:
		for _, key := range extractionOrder {
			val, ok := v.Fields[key]
			if !ok || !truthy(val) {
				continue
			}
			if s, ok := val.(string); ok {
				return s
			}
			return encode(val)
		}
		if v.Fields == nil {
			return "{}"
		}
		return encode(v.Fields)
	default:
		return ""
	}
}

// TransactionID returns data.transaction_id from a structured response, if
// present as a string.
func TransactionID(r Response) string {
	s, ok := r.(Structured)
	if !ok {
		return ""
	}
	data, ok := s.Fields["data"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := data["transaction_id"].(string)
	return strings.TrimSpace(id)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	default:
		return true
	}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
