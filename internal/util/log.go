// Package util provides shared logging and traffic accounting.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// successPrinter renders milestones such as a completed handshake. It has
// no level of its own, so LogSuccess shows it whenever Info would show.
var successPrinter = pterm.Success

func LogSuccess(format string, args ...interface{}) {
	if lvl := pterm.DefaultLogger.Level; lvl == pterm.LogLevelDisabled || lvl > pterm.LogLevelInfo {
		return
	}
	successPrinter.Printfln(format, args...)
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DisableLogging silences all log output. Used by tests and benchmarks
// that drive thousands of ticks.
func DisableLogging() {
	pterm.DefaultLogger.Level = pterm.LogLevelDisabled
}
