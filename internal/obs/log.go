package obs

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var base = newLogger(os.Stdout)

func newLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	return l
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// SetOutput redirects all log lines to w.
func SetOutput(w io.Writer) { base.SetOutput(w) }

type Fields map[string]any

func entry(f Fields) *logrus.Entry {
	return base.WithFields(logrus.Fields(f))
}

func Info(msg string, f Fields)  { entry(f).Info(msg) }
func Warn(msg string, f Fields)  { entry(f).Warn(msg) }
func Error(msg string, f Fields) { entry(f).Error(msg) }
func Debug(msg string, f Fields) { entry(f).Debug(msg) }

// Err is shorthand for the common {"err": err.Error()} field set.
func Err(err error, f Fields) Fields {
	if f == nil {
		f = Fields{}
	}
	if err != nil {
		f["err"] = err.Error()
	}
	return f
}
