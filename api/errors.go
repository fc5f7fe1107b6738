package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Error is a non-2xx answer from the backend.
type Error struct {
	StatusCode int
	Message    string
	// Code is the machine-readable reason when the backend sends one,
	// e.g. "email_not_verified".
	Code string
	Body []byte
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, msg)
}

// Unauthorized reports whether the backend refused the credentials.
func (e *Error) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// parseError decodes the backend's error envelope. Three shapes of "detail"
// are understood:
//
//	{"detail": "Invalid credentials"}
//	{"detail": {"message": "...", "code": "..."}}
//	{"detail": [{"loc": [...], "msg": "...", "type": "..."}]}
//
// Anything else keeps the raw body and falls back to the status text.
func parseError(status int, body []byte) *Error {
	apiErr := &Error{StatusCode: status, Body: body}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return apiErr
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		apiErr.Message = text
		return apiErr
	}

	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(envelope.Detail, &obj); err == nil {
		apiErr.Message = obj.Message
		apiErr.Code = obj.Code
		return apiErr
	}

	var list []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &list); err == nil {
		msgs := make([]string, 0, len(list))
		for _, item := range list {
			if item.Msg == "" {
				continue
			}
			if field := lastLoc(item.Loc); field != "" {
				msgs = append(msgs, field+": "+item.Msg)
				continue
			}
			msgs = append(msgs, item.Msg)
		}
		apiErr.Message = strings.Join(msgs, "; ")
	}
	return apiErr
}

func lastLoc(loc []any) string {
	if len(loc) == 0 {
		return ""
	}
	if s, ok := loc[len(loc)-1].(string); ok {
		return s
	}
	return ""
}
