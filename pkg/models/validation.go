package models

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var credentialRefPattern = regexp.MustCompile(`^[\w\-]+$`)

// NewValidator returns a validator with the flowrun-specific tags registered.
func NewValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	// Registration only fails for empty tags or nil functions.
	_ = validate.RegisterValidation("credential_ref", func(fl validator.FieldLevel) bool {
		return credentialRefPattern.MatchString(fl.Field().String())
	})

	return validate
}
