package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger pre-configured with app and service metadata.
// Development environments get a human-readable console writer; everything
// else logs JSON lines.
func New(appName, serviceName, env, level string) zerolog.Logger {
	var output io.Writer = os.Stdout
	if env == "" || env == "development" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("app", appName).
		Str("service", serviceName).
		Str("env", env).
		Logger()
}
