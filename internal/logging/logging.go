// Package logging configures the process-wide go-log/v2 level used by
// every subsystem's logging.Logger("name") call, the same library
// cmd/nexus/main.go's package loggers are built from.
package logging

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

// Setup parses level ("debug", "info", "warn", "error") and applies it
// to every go-log logger already registered and any registered after,
// per go-log/v2's SetAllLoggers semantics.
func Setup(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("logging: unknown level %q: %w", level, err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}
