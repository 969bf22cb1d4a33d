package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Environment
// =============================================================================

// Environment identifies one of the fixed deployment environments a project
// can be provisioned for.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
	EnvPreview    Environment = "preview"
)

// ErrUnknownEnvironment is returned when parsing an environment name fails.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Environments lists all valid environments.
func Environments() []Environment {
	return []Environment{EnvStaging, EnvProduction, EnvPreview}
}

// ParseEnvironment converts a string into an Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvStaging, EnvProduction, EnvPreview:
		return Environment(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}
