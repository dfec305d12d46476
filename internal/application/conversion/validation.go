package conversion

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	domain "github.com/htmltopdf/backend/internal/domain/conversion"
)

// newValidator returns a validator that reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct validation and converts failures to a
// VALIDATION error listing every offending field
func validateRequest(v *validator.Validate, req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewError(domain.CodeValidation, "invalid request", err)
	}

	details := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		details = append(details, e.Field()+": "+validationMessage(e))
	}
	return domain.NewError(domain.CodeValidation, strings.Join(details, "; "), nil)
}

// validationMessage returns a human-readable validation message
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "required_without":
		return "required when " + e.Param() + " is empty"
	case "excluded_with":
		return "cannot be combined with " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		if e.Kind() == reflect.String {
			return "must be at most " + e.Param() + " characters"
		}
		return "must be at most " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "url", "http_url":
		return "invalid URL format"
	case "excludesall":
		return "contains forbidden characters"
	default:
		return "invalid value"
	}
}
