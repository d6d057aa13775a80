package transform

import "encoding/json"

// ApplyForceArgs overwrites parameters with the configured values.
// Keys absent from the input map are inserted. Returns a new map.
func ApplyForceArgs(forced map[string]interface{}, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+len(forced))
	for k, v := range params {
		out[k] = v
	}
	for k, v := range forced {
		out[k] = v
	}
	return out
}

// ApplyLimits enforces per-key ceilings. When both the current and configured
// values are numeric, the current value is clamped down to the ceiling (never
// raised). A non-numeric configured value is a forced override: the exact
// replacement is written regardless of the current value. Returns a new map.
func ApplyLimits(limits map[string]interface{}, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for k, limit := range limits {
		ceiling, limitNumeric := toFloat(limit)
		current, exists := out[k]
		if !limitNumeric {
			out[k] = limit
			continue
		}
		cur, curNumeric := toFloat(current)
		if !exists || !curNumeric {
			// Nothing numeric to clamp; leave non-numeric values alone.
			continue
		}
		if cur > ceiling {
			out[k] = ceiling
		}
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
