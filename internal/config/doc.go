// Package config loads the dispatchd YAML configuration, fills defaults,
// resolves secrets from the environment and validates the result before any
// component is built from it.
package config
