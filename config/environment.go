package config

import (
	"os"
	"strings"
)

const (
	appEnvVar = "APP_ENV"

	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	// EnvironmentDevelopment is what AppEnvironment returns when APP_ENV is unset.
	EnvironmentDevelopment = environmentDevelopment
)

// Common spellings operators put in APP_ENV.
var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"prd":  environmentProduction,
	"stag": environmentStaging,
	"stg":  environmentStaging,
}

// AppEnvironment returns the normalised value of APP_ENV, defaulting to
// development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env is production or staging.
func IsProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}

// requiresSharedCache reports whether the running environment must keep mid
// prices in redis rather than process memory.
func requiresSharedCache() bool {
	return IsProductionLike(AppEnvironment())
}

// resolveEnvSpecificPath swaps the default config path for the file mapped to
// the current environment. An explicit path other than the default wins.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envPaths[AppEnvironment()]
	if !ok || (path != defaultPath && path != envPath) {
		return path
	}
	return envPath
}
