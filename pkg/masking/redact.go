package masking

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// RedactedValue replaces masked field values.
const RedactedValue = "***REDACTED***"

// Field names masked wherever they appear, case insensitive.
var secretFields = map[string]bool{
	"authorization": true,
	"apikey":        true,
	"token":         true,
	"accesstoken":   true,
	"refreshtoken":  true,
	"password":      true,
	"secret":        true,
	"key":           true,
	"credentials":   true,
	"$metadata":     true,
	"req.headers":   true,
}

// IsSecretField reports whether a field name must be masked.
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	if secretFields[lower] {
		return true
	}
	return strings.HasSuffix(lower, ".credentials")
}

// RedactJSON masks secret-bearing fields anywhere in a JSON document.
// Must be defensive: the input is returned unchanged when it does not
// parse or re-marshal.
func RedactJSON(data []byte) []byte {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return data
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return data
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if IsSecretField(k) {
				val[k] = RedactedValue
				continue
			}
			val[k] = redactValue(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = redactValue(child)
		}
		return val
	default:
		return v
	}
}

// ReplaceAttr is a slog.HandlerOptions hook that masks secret-bearing
// log attributes.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSecretField(a.Key) {
		return slog.String(a.Key, RedactedValue)
	}
	return a
}
