// Package config loads the streamgate YAML configuration.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing. LoadAndValidate applies defaults and rejects incomplete
// configurations.
package config
