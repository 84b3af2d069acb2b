package config

import (
	"io"
	"log"

	"github.com/natefinch/lumberjack"
)

// LogConfig selects where log output goes. An empty File keeps stderr.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// SetLogger sends the standard logger to a rotating log file. The returned
// closer is nil when logging stays on stderr.
func (c LogConfig) SetLogger() io.Closer {
	if c.File == "" {
		return nil
	}
	l := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    c.MaxSizeMB, // megabytes
		MaxAge:     c.MaxAgeDays,
		MaxBackups: c.MaxBackups,
	}
	log.Printf("Sending log messages to: %s", c.File)
	log.SetOutput(l)
	return l
}
