// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger value; the logging Service owns the sinks
// (console, file) and can swap levels/outputs at runtime without components
// holding stale writers.
package logx
