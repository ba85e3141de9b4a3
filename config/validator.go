package config

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterValidation("boundaries", validateBoundaries)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, crossFieldErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// crossFieldErrors checks constraints the struct tags cannot express.
func crossFieldErrors(cfg *Config) []ConfigError {
	var errs []ConfigError
	for name := range cfg.Encoder.Engagement.ActionWeights {
		if !slices.Contains(actionTypeNames, name) {
			errs = append(errs, ConfigError{
				Field:   "Config.Encoder.Engagement.ActionWeights",
				Message: fmt.Sprintf("unknown action type, must be one of [%s]", strings.Join(actionTypeNames, " ")),
				Value:   name,
			})
		}
	}
	w := cfg.Reward
	if w.MasteryWeight+w.ProgressWeight+w.EngagementWeight == 0 {
		errs = append(errs, ConfigError{
			Field:   "Config.Reward",
			Message: "at least one reward weight must be positive",
			Value:   0,
		})
	}
	if cfg.Storage.Type == "badger" && cfg.Storage.Badger.Path == "" {
		errs = append(errs, ConfigError{Field: "Config.Storage.Badger.Path", Message: "this field is required", Value: ""})
	}
	if cfg.Storage.Type == "sqlite" && cfg.Storage.SQLite.Path == "" {
		errs = append(errs, ConfigError{Field: "Config.Storage.SQLite.Path", Message: "this field is required", Value: ""})
	}
	if cfg.Ingest.Transport == "redis" && cfg.Ingest.Redis.Address == "" {
		errs = append(errs, ConfigError{Field: "Config.Ingest.Redis.Address", Message: "this field is required", Value: ""})
	}
	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gtfield":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "boundaries":
		return "must be strictly increasing values in (0,1)"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

// validateBoundaries accepts strictly increasing cut points in (0,1).
func validateBoundaries(fl validator.FieldLevel) bool {
	values, ok := fl.Field().Interface().([]float64)
	if !ok {
		return false
	}
	prev := 0.0
	for _, v := range values {
		if math.IsNaN(v) || v <= prev || v >= 1 {
			return false
		}
		prev = v
	}
	return true
}
