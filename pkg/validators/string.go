package validators

import (
	"fmt"
	"strings"
)

// ToUserFriendlyName turns the last segment of a field path into words:
// "export_uri" becomes "Export Uri" and "accounts[1].url" becomes "Url".
func ToUserFriendlyName(fieldName string) string {
	if i := strings.LastIndexByte(fieldName, '.'); i >= 0 {
		fieldName = fieldName[i+1:]
	}
	if i := strings.IndexByte(fieldName, '['); i >= 0 {
		fieldName = fieldName[:i]
	}

	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.Join(parts, " ")
}

// ValidateStringEmpty fails for an empty value.
func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if value != "" {
		return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
	}
	name := ToUserFriendlyName(fieldName)
	return NewValidationResult(false, fieldName,
		WithMessage(fmt.Sprintf("%s is required.", name)),
		WithSuggestedAction(fmt.Sprintf("Set %s in the configuration.", fieldName)),
		WithValidationCode(ValidationCodeRequired),
	)
}

// ValidateStringLength requires minLength <= len(value) <= maxLength.
func ValidateStringLength(value string, fieldName string, minLength, maxLength int) *ValidationResult {
	if n := len(value); n < minLength || n > maxLength {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be %d to %d characters long.", ToUserFriendlyName(fieldName), minLength, maxLength)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}
