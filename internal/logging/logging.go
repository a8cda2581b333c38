// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Setup applies level and format ("text" or "json") to the standard logger.
func Setup(level, format string) error {
	return SetupOutput(os.Stderr, level, format)
}

func SetupOutput(out io.Writer, level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	switch format {
	case "", "text":
		forceColors := false
		if f, ok := out.(*os.File); ok {
			forceColors = term.IsTerminal(int(f.Fd()))
		}
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			ForceColors:            forceColors,
			DisableLevelTruncation: true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", format)
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	return nil
}
