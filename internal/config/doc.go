// Package config loads the YAML configuration used by the agent runtime,
// expanding ${VAR} environment references and applying sensible defaults
// for every omitted section.
package config
