package txpool

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger used when Config.Logger is nil.
func NewLogger(w io.Writer, level logrus.Level) logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	return l
}

// NopLogger discards everything.
func NopLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func defaultLogger() logrus.FieldLogger {
	return NewLogger(os.Stderr, logrus.InfoLevel)
}
