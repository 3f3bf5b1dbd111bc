// Package config handles runtime configuration loading and management.
//
// Configuration is stored in ~/.gitmind/config.yaml and carries every bound
// and timeout the orchestration core's components take at construction.
package config
