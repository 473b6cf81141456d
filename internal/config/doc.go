// Package config loads the credproofd configuration from JSON or YAML files,
// fills defaults relative to the file location and validates the result.
// Secrets such as the key-sealing master secret and database DSNs can be
// supplied through environment variables referenced by the *_env fields.
package config
