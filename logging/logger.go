package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// RootLogger is the parent of every component logger in the client. Components
// derive their own with RootLogger.With().Str("Component", id).Logger().
var RootLogger zerolog.Logger = zerolog.New(
	zerolog.NewConsoleWriter(
		func(w *zerolog.ConsoleWriter) { w.Out = os.Stderr },
		func(w *zerolog.ConsoleWriter) { w.TimeFormat = "15:04:05.000" })).Level(defaultLevel()).
	With().Timestamp().Logger()

func defaultLevel() zerolog.Level {
	switch os.Getenv("NOTARY_LOG") {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "off":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}
