package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct tags cover the declarative constraints; relationships between
// fields that tags cannot express are checked explicitly afterwards.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Engine.MaxBufferSize < cfg.Engine.MinBufferSize {
		return fmt.Errorf("engine: max_buffer_size (%d) must be >= min_buffer_size (%d)",
			cfg.Engine.MaxBufferSize, cfg.Engine.MinBufferSize)
	}

	if cfg.Engine.WriteHighWater < 0 {
		return fmt.Errorf("engine: write_high_water must not be negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port <= 0 {
		return fmt.Errorf("metrics: port is required when metrics are enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
