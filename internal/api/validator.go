package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	app_errors "alma/backend/internal/errors"

	"github.com/go-playground/validator/v10"
)

// A singleton validator for API request bodies.
// The validator caches struct metadata, so one instance is shared.

var (
	// validate holds the single instance of the validator.
	validate *validator.Validate
	// once ensures that the validator is initialized only one time.
	once sync.Once
)

// getInstance uses sync.Once to safely initialize and return the validator singleton.
func getInstance() *validator.Validate {
	once.Do(func() {
		validate = validator.New()
		// Report fields by their JSON names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// validateRequest checks a given payload struct against the validation rules
// defined in its field tags (e.g., `validate:"required,min=1"`).
// If validation fails, it returns a wrapped `app_errors.ErrValidation` with a
// user-friendly, detailed message.
func validateRequest(payload interface{}) error {
	v := getInstance()
	err := v.Struct(payload)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: an unexpected error occurred during validation: %s", app_errors.ErrValidation, err.Error())
	}

	// Format the validation errors into a clean, readable string.
	var errorMessages []string
	for _, fieldErr := range validationErrors {
		// e.g. "Field 'content' failed on the 'required' tag"
		errMsg := fmt.Sprintf("Field '%s' failed on the '%s' tag", fieldErr.Field(), fieldErr.Tag())
		errorMessages = append(errorMessages, errMsg)
	}

	return fmt.Errorf("%w: %s", app_errors.ErrValidation, strings.Join(errorMessages, "; "))
}
