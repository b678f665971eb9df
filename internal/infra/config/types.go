package config

import "strings"

// Environment identifies the runtime environment where the relay operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func normaliseEnvironment(env Environment) Environment {
	trimmed := Environment(strings.ToLower(strings.TrimSpace(string(env))))
	if trimmed == "" {
		return EnvDev
	}
	return trimmed
}
