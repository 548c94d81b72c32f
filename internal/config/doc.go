// Package config loads gateway configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as database passwords stay out of the file.
package config
