// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Setup applies level (debug, info, warn, error) and format (text, json) to
// the standard logger.
func Setup(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	logrus.SetLevel(lvl)
	return nil
}
