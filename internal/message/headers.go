package message

import "strings"

// HeaderField is one header line, name and value split at the first colon.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered, case-preserving, multi-valued header list: the
// structured counterpart to the raw header bytes C2 also emits verbatim.
type Headers struct {
	fields []HeaderField
}

// Add appends a header field, preserving insertion order.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name (case-insensitive), if present.
func (h *Headers) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name (case-insensitive), in order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name appears at least once (case-insensitive).
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// All returns every header field in the order they were added.
func (h *Headers) All() []HeaderField {
	return h.fields
}

// HasToken reports whether name's value(s), comma-split and trimmed, contain
// token case-insensitively — used for Connection/Proxy-Connection/
// Transfer-Encoding token checks.
func (h *Headers) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
