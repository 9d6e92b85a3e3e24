package masking

import "strings"

const maskToken = "****"

// FreeTextKeys are metadata keys whose values are typed by users and may
// carry personal data.
var FreeTextKeys = []string{"note", "hold_reason", "refund_description", "reason"}

// MaskSecret redacts a value while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	runes := []rune(trimmed)
	if len(runes) <= 4 {
		return maskToken
	}
	return maskToken + string(runes[len(runes)-4:])
}

// MaskKeys returns a copy of input where string values under the given keys,
// at any depth, are masked. Other values are copied unchanged.
func MaskKeys(input map[string]any, keys ...string) map[string]any {
	if len(input) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	return maskMap(input, set)
}

func maskMap(input map[string]any, keys map[string]struct{}) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		_, sensitive := keys[strings.ToLower(trimmedKey)]
		out[trimmedKey] = maskValue(value, sensitive, keys)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func maskValue(value any, sensitive bool, keys map[string]struct{}) any {
	switch cast := value.(type) {
	case string:
		if sensitive {
			return MaskSecret(cast)
		}
		return cast
	case map[string]any:
		return maskMap(cast, keys)
	case map[string]string:
		nested := make(map[string]any, len(cast))
		for k, v := range cast {
			nested[k] = v
		}
		return maskMap(nested, keys)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, sensitive, keys))
		}
		return out
	default:
		return value
	}
}
