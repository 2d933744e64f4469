// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// An optional .env file can seed the environment before the file is expanded.
// See configs/relay.example.yaml for the full schema.
package config
