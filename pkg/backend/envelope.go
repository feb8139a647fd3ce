package backend

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Envelope is the backend's response wrapper. Routes disagree on whether
// they report "status" or "success", so both are accepted and folded into
// OK.
type Envelope struct {
	Status  json.RawMessage `json:"status,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	HasNext bool            `json:"has_next,omitempty"`
}

// OK reports whether the envelope signals success. An envelope with
// neither field is treated as successful; the HTTP status decides.
func (e Envelope) OK() bool {
	if e.Success != nil {
		return *e.Success
	}
	status := bytes.TrimSpace(e.Status)
	if len(status) == 0 || bytes.Equal(status, []byte("null")) {
		return true
	}

	var s string
	if err := json.Unmarshal(status, &s); err == nil {
		switch strings.ToLower(s) {
		case "error", "fail", "failed", "failure":
			return false
		}
		return true
	}
	var b bool
	if err := json.Unmarshal(status, &b); err == nil {
		return b
	}
	var n int
	if err := json.Unmarshal(status, &n); err == nil {
		return n >= 200 && n < 300
	}
	return true
}

// MessageOr returns the envelope message, falling back to data.message and
// then def.
func (e Envelope) MessageOr(def string) string {
	if msg := rawMessage(e.Message); msg != "" {
		return msg
	}
	var nested struct {
		Message json.RawMessage `json:"message"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &nested) == nil {
		if msg := rawMessage(nested.Message); msg != "" {
			return msg
		}
	}
	return def
}

// rawMessage renders a message that is usually a string but sometimes a
// validation object.
func rawMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
