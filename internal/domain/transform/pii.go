package transform

import (
	"regexp"
	"strings"
)

// RedactionMarker replaces redacted values. The original value is not
// recoverable from the envelope afterward; this is a marker, not a hash.
const RedactionMarker = "[REDACTED]"

// sensitiveKeys are always redacted regardless of configuration.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"ssn":           {},
	"credit_card":   {},
	"card_number":   {},
	"cvv":           {},
}

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	// 13-19 digits, optionally separated by spaces or dashes in groups of 4.
	cardPattern = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// ApplyRedact walks the parameter map recursively and redacts any key in the
// built-in sensitive-key set, any key named in cfg.Fields, and any string
// value matching an email, credit-card or SSN pattern. Returns a new map;
// the input is not mutated.
func ApplyRedact(cfg *RedactConfig, params map[string]interface{}) map[string]interface{} {
	extra := map[string]struct{}{}
	if cfg != nil {
		for _, f := range cfg.Fields {
			extra[strings.ToLower(f)] = struct{}{}
		}
	}
	out, _ := redactValue("", params, extra)
	m, _ := out.(map[string]interface{})
	return m
}

// redactValue returns the redacted copy of v and whether anything changed.
func redactValue(key string, v interface{}, extra map[string]struct{}) (interface{}, bool) {
	if key != "" && isSensitiveKey(key, extra) {
		return RedactionMarker, true
	}

	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		changed := false
		for k, vv := range t {
			nv, c := redactValue(k, vv, extra)
			out[k] = nv
			changed = changed || c
		}
		return out, changed
	case []interface{}:
		out := make([]interface{}, len(t))
		changed := false
		for i, vv := range t {
			nv, c := redactValue("", vv, extra)
			out[i] = nv
			changed = changed || c
		}
		return out, changed
	case string:
		if containsPII(t) {
			return RedactionMarker, true
		}
		return t, false
	default:
		return v, false
	}
}

func isSensitiveKey(key string, extra map[string]struct{}) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	_, ok := extra[k]
	return ok
}

func containsPII(s string) bool {
	return emailPattern.MatchString(s) || ssnPattern.MatchString(s) || cardPattern.MatchString(s)
}
