// Package config defines the acquisition settings used by the abacus commands
// and provides helpers to load, validate and save them in YAML format.
//
// Settings are parsed against an explicit schema: unknown keys are rejected and
// every value is checked against the counter's limits before it is used.
package config
