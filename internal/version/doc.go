// Package version exposes build metadata of the abacus binary.
//
// Version, Commit and BuildTime are injected with -ldflags at build time and
// default to development values. Short and Full render them for the CLI and
// for the session log.
package version
