package security

import (
	"regexp"
	"strings"

	apperrors "angel-fanout/internal/errors"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"password":      true,
	"pass":          true,
	"totp":          true,
	"totp_secret":   true,
	"token":         true,
	"jwttoken":      true,
	"refreshtoken":  true,
	"feedtoken":     true,
	"session_token": true,
	"authorization": true,
}

// sensitivePatterns contains regex patterns for sensitive data.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|password|totp|jwt[_-]?token|refresh[_-]?token|feed[_-]?token|x-privatekey)["']?[=:\s]+["']?([^\s"',}]+)["']?`),
	regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9_\-\.]+)`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), // JWTs
}

var (
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&-]{1,40}$`)
	tokenPattern  = regexp.MustCompile(`^[0-9]{1,12}$`)
)

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks credentials embedded in free text such as remote
// error bodies.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			secret := sub[len(sub)-1]
			i := strings.LastIndex(match, secret)
			return match[:i] + MaskCredential(secret) + match[i+len(secret):]
		})
	}
	return result
}

// MaskFields returns a copy of data with sensitive fields masked.
func MaskFields(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		strVal, isStr := v.(string)
		switch {
		case sensitiveFields[strings.ToLower(k)] && isStr:
			result[k] = MaskCredential(strVal)
		case sensitiveFields[strings.ToLower(k)]:
			result[k] = "***"
		case isStr:
			result[k] = MaskSensitive(strVal)
		default:
			result[k] = v
		}
	}
	return result
}

// ValidateSymbol validates a trading symbol or underlying name.
func ValidateSymbol(symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError(apperrors.ErrInvalidOrder, "symbol", symbol,
			"must be 1-40 uppercase letters, digits, '&' or '-'")
	}
	return nil
}

// ValidateToken validates an exchange instrument token.
func ValidateToken(token string) error {
	if !tokenPattern.MatchString(token) {
		return apperrors.NewValidationError(apperrors.ErrInvalidOrder, "token", token, "must be numeric")
	}
	return nil
}
