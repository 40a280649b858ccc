// Package logging configures structured slog output for gsindex: a
// size-rotated log file under ~/.gsindex/logs, optionally tee'd to stderr,
// in JSON or human-readable text.
package logging
