// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A .env file, when present, is loaded into the environment first. STREAM_URL and
// STREAM_TOKEN override the stream section.
package config
