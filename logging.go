package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

var log = newLogger()

// newLogger builds the shared logger. Level comes from LOG_LEVEL and can be
// raised to debug later via the --debug flag.
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN":
		l.SetLevel(logrus.WarnLevel)
	case "ERROR":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// enableDebugLogging switches the shared logger to debug level and also mirrors
// all entries to a run log file, matching how long pipeline runs are usually
// inspected after the fact.
func enableDebugLogging(logFile string) {
	log.SetLevel(logrus.DebugLevel)
	if logFile == "" {
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.WithError(err).Warn("could not open log file, console only")
		return
	}
	log.AddHook(&fileHook{file: f})
}

// fileHook appends JSON-formatted entries to a file while the console keeps
// the text format.
type fileHook struct {
	file *os.File
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := (&logrus.JSONFormatter{}).Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
