package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultErrorMessage is used when no message can be extracted from an error
// payload.
const DefaultErrorMessage = "Unknown Realtime error"

// Error is the canonical form of a realtime transport error. It is produced
// once at ingress by [NormalizeError]; nothing downstream inspects raw error
// payloads.
type Error struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Status    int    `json:"status,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
	EventID   string `json:"eventId,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("transport: %s: %s", e.Code, e.Message)
	}
	return "transport: " + e.Message
}

// NormalizeError reduces a transport error payload to an [Error]. It accepts
// an error event ({"error": {...}} or {"error": "..."}), a list form
// ({"errors": [{...}]}), a flat object, a bare string or a Go error. The
// result always carries a non-empty Message.
func NormalizeError(payload any) Error {
	var out Error
	switch p := payload.(type) {
	case nil:
	case *Error:
		out = *p
	case Error:
		out = p
	case error:
		var te *Error
		if errors.As(p, &te) {
			out = *te
		} else {
			out.Message = p.Error()
		}
	case string:
		out.Message = strings.TrimSpace(p)
	case Event:
		out = normalizeObject(p)
	case map[string]any:
		out = normalizeObject(p)
	default:
		out.Message = fmt.Sprint(p)
	}
	if out.Message == "" {
		out.Message = DefaultErrorMessage
	}
	return out
}

func normalizeObject(obj map[string]any) Error {
	var out Error
	switch inner := obj["error"].(type) {
	case map[string]any:
		out = fromFields(inner)
	case string:
		out.Message = strings.TrimSpace(inner)
	default:
		if list, ok := obj["errors"].([]any); ok && len(list) > 0 {
			switch first := list[0].(type) {
			case map[string]any:
				out = fromFields(first)
			case string:
				out.Message = strings.TrimSpace(first)
			}
		} else {
			out = fromFields(obj)
		}
	}

	// Envelope fields fill what the nested error left out.
	if out.EventID == "" {
		out.EventID = firstString(obj, "event_id", "eventId")
	}
	if out.Status == 0 {
		out.Status = intField(obj, "status")
	}
	return out
}

func fromFields(m map[string]any) Error {
	out := Error{
		Code:    stringish(m["code"]),
		Message: strings.TrimSpace(firstString(m, "message", "msg", "detail")),
		EventID: firstString(m, "event_id", "eventId"),
		Status:  intField(m, "status"),
	}
	if t, _ := m["type"].(string); t != "error" {
		out.Type = t
	}
	if out.Status == 0 {
		out.Status = intField(m, "statusCode")
	}
	if r, ok := m["retryable"].(bool); ok {
		out.Retryable = &r
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringish(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch x := m[key].(type) {
	case float64:
		return int(x)
	case int:
		return x
	case string:
		n, _ := strconv.Atoi(x)
		return n
	}
	return 0
}
