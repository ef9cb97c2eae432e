// Package validator provides payload validation for inbound hub commands.
//
// Commands arrive over the WebSocket as JSON and are decoded into typed
// payload structs; this package enforces the structural rules (required
// fields, length caps, enum membership) before any session state is touched.
package validator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	validate.RegisterValidation("displayname", validateDisplayName)
}

// ValidateStruct validates a struct and returns the raw validator error
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// ValidateRequest validates a payload struct and returns formatted errors.
// Returns nil if validation passes, or a map of field errors.
func ValidateRequest(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			field := strings.ToLower(e.Field())
			errors[field] = formatValidationError(e)
		}
	}

	return errors
}

// formatValidationError converts validator errors to human-readable messages
func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", e.Field())
	case "min":
		return fmt.Sprintf("Must be at least %s characters", e.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s characters", e.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", e.Param())
	case "displayname":
		return "Display name must be 1-80 printable characters"
	default:
		return fmt.Sprintf("Validation failed: %s", e.Tag())
	}
}

// Custom Validators

// validateDisplayName ensures display names are short and printable.
// Unlike account usernames, display names are free-form (spaces allowed),
// so only length and control characters are restricted.
func validateDisplayName(fl validator.FieldLevel) bool {
	name := fl.Field().String()

	if len(name) < 1 || len(name) > 80 {
		return false
	}

	for _, char := range name {
		if char < 0x20 || char == 0x7f {
			return false
		}
	}

	return true
}
