// Package logger wires the process-wide slog loggers: a structured
// application logger writing to stdout, stderr or files, and an optional
// audit logger backed by a size-rotated file.
package logger
