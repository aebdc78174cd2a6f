package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/certlab/exam-runtime/internal/config"
	log "github.com/sirupsen/logrus"
)

var logFile *os.File

// Init configures the global logger from config.Cfg: level, formatter and
// an optional log file written alongside stdout.
// Must be called after config.Load().
func Init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level, err := log.ParseLevel(config.Cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", config.Cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	path := config.Cfg.LogPath
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warnf("cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Warnf("cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Infof("Logging to file: %s", path)
}

// Close flushes and closes the log file, if one was opened.
func Close() error {
	if logFile == nil {
		return nil
	}
	log.SetOutput(os.Stdout)
	err := logFile.Close()
	logFile = nil
	return err
}

// Sanitize strips newlines and other control characters from caller-supplied
// identifiers so they cannot forge log lines.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\r', r == '\t':
			return ' '
		case r < 32 || r == 127:
			return -1
		}
		return r
	}, s)
}

// Security logs an isolation or ownership event at error level. These are
// never downgraded to warnings.
func Security(event string, fields log.Fields) {
	entry := log.WithField("security", true).WithField("event", event)
	for k, v := range fields {
		if s, ok := v.(string); ok {
			v = Sanitize(s)
		}
		entry = entry.WithField(k, v)
	}
	entry.Error("[security] isolation check failed")
}
