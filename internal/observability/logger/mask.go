package logger

import (
	"net/http"
	"strings"
)

var sensitiveKeys = []string{
	"secret",
	"token",
	"hash_key",
	"hash_iv",
	"checkmacvalue",
	"authorization",
}

// MaskToken masks bearer tokens, preserving the scheme.
func MaskToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return "Bearer " + maskLast4(parts[1])
	}
	return maskLast4(value)
}

// MaskHeaders returns a copy of headers with sensitive fields masked.
func MaskHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	masked := make(map[string]string, len(headers))
	for key, values := range headers {
		joined := strings.Join(values, ",")
		if strings.EqualFold(strings.TrimSpace(key), "Authorization") {
			masked[key] = MaskToken(joined)
			continue
		}
		masked[key] = joined
	}
	return masked
}

// MaskParams returns a copy of gateway callback parameters safe for logging.
// The signature field and anything that looks like a credential is masked.
func MaskParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for key, value := range params {
		if isSensitiveKey(key) {
			out[key] = maskLast4(value)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, needle := range sensitiveKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}

func maskLast4(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****" + value
	}
	return "****" + value[len(value)-4:]
}
