package validators

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
)

const (
	maxIdentifierLength = 256
	accountNamePattern  = `^[a-z0-9][a-z0-9-]{1,62}$`
	prefixPattern       = `^[a-z0-9][a-z0-9-]{0,40}$`
)

// ValidateURL requires an absolute http(s) URL, as used for export
// destinations and bucket endpoints.
func ValidateURL(fieldName string, value string) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)

	if value == "" {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s is required.", userFriendlyName)),
			WithValidationCode(ValidationCodeRequired),
		)
	}

	if !govalidator.IsRequestURL(value) || !(strings.HasPrefix(value, "https://") || strings.HasPrefix(value, "http://")) {
		return NewValidationResult(false, fieldName,
			WithMaskedValue(value),
			WithMessage(fmt.Sprintf("%s must be an absolute http or https URL.", userFriendlyName)),
			WithSuggestedAction("Provide a URL such as 'https://account.blob.example.net/container'."),
			WithValidationCode(ValidationCodeInvalid),
		)
	}

	return NewValidationResult(true, fieldName, WithValidationCode(ValidationCodeSuccess))
}

// ValidateIdentifier requires a non-empty printable ASCII identifier of at
// most 256 characters, such as a command, agent or asset group id.
func ValidateIdentifier(fieldName string, value string) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)

	if value == "" {
		return NewValidationResult(false, fieldName,
			WithMessage(fmt.Sprintf("%s is required.", userFriendlyName)),
			WithValidationCode(ValidationCodeRequired),
		)
	}
	if len(value) > maxIdentifierLength || !govalidator.IsPrintableASCII(value) {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be printable ASCII of at most %d characters.", userFriendlyName, maxIdentifierLength)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}

// ValidateAccountName requires a lower-case storage account name.
func ValidateAccountName(fieldName string, value string) *ValidationResult {
	if !govalidator.Matches(value, accountNamePattern) {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be 2 to 63 lower-case letters, digits or hyphens.", ToUserFriendlyName(fieldName))),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}

// ValidateContainerPrefix requires a prefix that keeps dated container
// names valid.
func ValidateContainerPrefix(fieldName string, value string) *ValidationResult {
	if !govalidator.Matches(value, prefixPattern) {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be up to 41 lower-case letters, digits or hyphens.", ToUserFriendlyName(fieldName))),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}

// ValidateRange requires min <= value <= max.
func ValidateRange(fieldName string, value, min, max int) *ValidationResult {
	if !govalidator.InRangeInt(value, min, max) {
		return NewValidationResult(false, fieldName,
			WithValue(fmt.Sprint(value)),
			WithMessage(fmt.Sprintf("%s must be between %d and %d.", ToUserFriendlyName(fieldName), min, max)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(fmt.Sprint(value)), WithValidationCode(ValidationCodeSuccess))
}

// ExportDestination checks an export container URI and optional path.
func ExportDestination(uri, path string) error {
	b := NewValidationBuilder().Add(ValidateURL("export_uri", uri))
	if path != "" && !strings.HasPrefix(path, "/") {
		b.Add(NewValidationResult(false, "export_path",
			WithValue(path),
			WithMessage("Export path must start with '/'."),
			WithValidationCode(ValidationCodeInvalid),
		))
	}
	return b.Err()
}
