// Package config provides configuration loading and validation for the deal
// recorder service. It handles YAML-based configuration with struct validation
// covering the HTTP surface, chunk storage, the external encode engine, and
// the transcription/extraction collaborators.
package config
