// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a sane console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, WarnKV, ErrorKV, etc.).
//
// The acquisition pipeline threads a context through every layer, and each layer
// logs through the logger stored in it, so a stream run tagged with its session id
// keeps that tag in device, scheduler and persistence messages alike.
package logger
