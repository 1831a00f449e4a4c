// Package logging configures the process-wide logrus logger. Grounded
// on cdc-sink, which logs via `log "github.com/sirupsen/logrus"`
// throughout with structured fields on every call site.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// Config controls the logger's verbosity and output format.
type Config struct {
	Level string
	JSON  bool
}

// Apply installs Config onto logrus's standard logger.
func Apply(cfg Config) error {
	level := log.InfoLevel
	if cfg.Level != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	log.SetLevel(level)
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
