package validators

import "strings"

// MaskString hides all but the last four characters of value.
func MaskString(value string) string {
	if len(value) < 4 {
		return "************"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
