// Package validators checks identifiers, export destinations and
// configuration values, collecting failures per field so callers can report
// every problem at once.
package validators

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ValidationCode classifies a validation result.
type ValidationCode string

const (
	ValidationCodeUnspecified ValidationCode = "unspecified"
	ValidationCodeSuccess     ValidationCode = "success"
	ValidationCodeRequired    ValidationCode = "required"
	ValidationCodeInvalid     ValidationCode = "invalid"
)

// ValidationOption customizes a ValidationResult.
type ValidationOption func(*ValidationResult)

// ValidationResult is the outcome of checking one field.
type ValidationResult struct {
	IsValid         bool           `json:"is_valid"`
	FieldName       string         `json:"field_name"`
	Value           string         `json:"value,omitempty"`
	Message         string         `json:"message,omitempty"`
	SuggestedAction string         `json:"suggested_action,omitempty"`
	ValidationCode  ValidationCode `json:"validation_code"`
}

// WithValue records the offending value.
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = value
	}
}

// WithMaskedValue records value with all but its last four characters
// hidden. Use it for URLs that may carry access keys.
func WithMaskedValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = MaskString(value)
	}
}

// WithMessage sets the message.
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Message = message
	}
}

// WithSuggestedAction tells the operator how to fix the value.
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.SuggestedAction = action
	}
}

// WithValidationCode sets the code.
func WithValidationCode(code ValidationCode) ValidationOption {
	return func(vr *ValidationResult) {
		vr.ValidationCode = code
	}
}

// NewValidationResult creates a result for fieldName.
func NewValidationResult(isValid bool, fieldName string, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:        isValid,
		FieldName:      fieldName,
		ValidationCode: ValidationCodeUnspecified,
	}
	for _, option := range options {
		option(vr)
	}
	return vr
}

// Err returns nil for a valid result and an *Error otherwise.
func (vr *ValidationResult) Err() error {
	if vr.IsValid {
		return nil
	}
	return &Error{Field: vr.FieldName, Code: vr.ValidationCode, Message: vr.Message, Hint: vr.SuggestedAction}
}

// Error is a failed validation of one field.
type Error struct {
	Field   string
	Code    ValidationCode
	Message string
	Hint    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, strings.TrimSuffix(e.Message, "."))
}

// FieldValidations groups the results of one field.
type FieldValidations struct {
	FieldName   string              `json:"field_name"`
	Validations []*ValidationResult `json:"validations"`
}

// HasErrors reports whether any result is invalid.
func (f *FieldValidations) HasErrors() bool {
	for _, v := range f.Validations {
		if !v.IsValid {
			return true
		}
	}
	return false
}

// FieldValidationResults lists fields in name order.
type FieldValidationResults []*FieldValidations

// HasErrors reports whether any field failed.
func (f FieldValidationResults) HasErrors() bool {
	for _, fv := range f {
		if fv.HasErrors() {
			return true
		}
	}
	return false
}

// ValidationBuilder collects results across fields.
type ValidationBuilder struct {
	results map[string][]*ValidationResult
}

// NewValidationBuilder creates an empty builder.
func NewValidationBuilder() *ValidationBuilder {
	return &ValidationBuilder{results: make(map[string][]*ValidationResult)}
}

// Add records result after applying options to it.
func (b *ValidationBuilder) Add(result *ValidationResult, options ...ValidationOption) *ValidationBuilder {
	for _, option := range options {
		option(result)
	}
	b.results[result.FieldName] = append(b.results[result.FieldName], result)
	return b
}

// Build returns every result grouped by field.
func (b *ValidationBuilder) Build() FieldValidationResults {
	return b.collect(func(*ValidationResult) bool { return true })
}

// BuildErrors returns only the invalid results.
func (b *ValidationBuilder) BuildErrors() FieldValidationResults {
	return b.collect(func(vr *ValidationResult) bool { return !vr.IsValid })
}

// Err joins the errors of every invalid result, ordered by field name.
func (b *ValidationBuilder) Err() error {
	var errs []error
	for _, fv := range b.BuildErrors() {
		for _, vr := range fv.Validations {
			errs = append(errs, vr.Err())
		}
	}
	return errors.Join(errs...)
}

func (b *ValidationBuilder) collect(keep func(*ValidationResult) bool) FieldValidationResults {
	fields := make([]string, 0, len(b.results))
	for field := range b.results {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make(FieldValidationResults, 0, len(fields))
	for _, field := range fields {
		var kept []*ValidationResult
		for _, vr := range b.results[field] {
			if keep(vr) {
				kept = append(kept, vr)
			}
		}
		if len(kept) > 0 {
			out = append(out, &FieldValidations{FieldName: field, Validations: kept})
		}
	}
	return out
}
