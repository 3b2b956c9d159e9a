package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var envValidator = validator.New()

// Validate performs structural validation of the configuration.
func (e *EnvConfig) Validate() error {
	if err := envValidator.Struct(e); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if e.Injector.KillTimeout < 0 || e.Injector.ListTimeout < 0 {
		return fmt.Errorf("invalid configuration: injector timeouts must not be negative")
	}
	return nil
}
