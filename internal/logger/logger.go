package logger

import (
	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger.
var Log = logrus.New()

// Init configures the logger with the given level name. Unknown levels fall back to info.
func Init(level string) {
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Log.SetLevel(lvl)
}

func Session(sessionID string) *logrus.Entry {
	return Log.WithField("session_id", sessionID)
}
