// Package config loads service configuration.
//
// Values start from Baseline, are overlaid by an optional YAML file and then
// by FLOODGUARD_* environment variables, and are validated as a whole before
// anything is started. Durations are written as Go duration strings ("5m").
package config
