package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *logrus.Logger
	once sync.Once
)

// Init configures the process-wide logger exactly once.
func Init() {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(os.Stdout)
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
		l.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
		log = l
	})
}

// GetLogger returns the singleton logger.
func GetLogger() *logrus.Logger {
	Init()
	return log
}

func parseLevel(v string) logrus.Level {
	level, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
