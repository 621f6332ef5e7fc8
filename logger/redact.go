package logger

import "strings"

// DefaultMaskValue replaces redacted values in log output.
const DefaultMaskValue = "***"

// Redactor masks credential material before it reaches the log sink. This
// library routinely handles bearer tokens, passwords, and Authorization
// headers; none of them may appear in logs.
type Redactor struct {
	fields map[string]struct{}
	mask   string
}

// defaultRedactedFields covers the field names this library logs that can
// carry credential material.
var defaultRedactedFields = []string{
	"password", "passwd",
	"token", "access_token", "refresh_token", "bearer",
	"authorization", "auth",
	"secret", "credential", "credentials",
}

// NewRedactor creates a Redactor masking the given field names in addition to
// the defaults. Matching is case-insensitive and substring-based, so a field
// named "authorizationHeader" is also masked.
func NewRedactor(extra ...string) *Redactor {
	fields := make(map[string]struct{}, len(defaultRedactedFields)+len(extra))
	for _, f := range defaultRedactedFields {
		fields[f] = struct{}{}
	}
	for _, f := range extra {
		fields[strings.ToLower(f)] = struct{}{}
	}
	return &Redactor{fields: fields, mask: DefaultMaskValue}
}

// Redact returns the mask value when key names a sensitive field, otherwise
// the value unchanged.
func (r *Redactor) Redact(key, value string) string {
	if r.sensitive(key) {
		return r.mask
	}
	return value
}

// RedactFields returns a copy of fields with sensitive string values masked.
// Non-string values under a sensitive key are replaced wholesale.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if r.sensitive(k) {
			out[k] = r.mask
			continue
		}
		if m, ok := v.(map[string]string); ok {
			out[k] = r.redactStringMap(m)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) redactStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.Redact(k, v)
	}
	return out
}

func (r *Redactor) sensitive(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := r.fields[lower]; ok {
		return true
	}
	for f := range r.fields {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}
