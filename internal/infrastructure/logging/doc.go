// Package logging provides the slog-based structured logger used across
// the controller, with JSON, tinted-terminal and combined output formats.
package logging
