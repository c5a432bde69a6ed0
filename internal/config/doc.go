// Package config defines the YAML configuration shared by the
// coordinator and worker binaries, with per-section validation and
// environment overrides for credentials.
package config
