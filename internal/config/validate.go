package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers inspector-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("regexp", validateRegexp); err != nil {
		return fmt.Errorf("failed to register regexp validator: %w", err)
	}
	return nil
}

// validateRegexp accepts any pattern that compiles.
func validateRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDecisionBudget(); err != nil {
		return err
	}
	return nil
}

// validateDecisionBudget keeps the synchronous decision inside the upstream timeout,
// so clients never see a disconnect caused by a slow policy backend.
func (c *Config) validateDecisionBudget() error {
	budget := c.Backend.DecisionBudget()
	if budget >= c.Server.UpstreamTimeout {
		return fmt.Errorf("backend: attempts x timeout + backoff (%s) must be below server.upstream_timeout (%s)",
			budget, c.Server.UpstreamTimeout)
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "regexp":
		return fmt.Sprintf("%s is not a valid regular expression", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, e.Tag(), e.Param(), e.Value())
	}
}
