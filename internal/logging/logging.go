package logging

import (
	"github.com/sirupsen/logrus"
)

// Fields is re-exported so callers don't import logrus directly.
type Fields = logrus.Fields

// New returns a JSON logger at the given level, tagged with the service name.
func New(serviceName, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.AddHook(&serviceHook{name: serviceName})
	return logger
}

type serviceHook struct {
	name string
}

func (h *serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *serviceHook) Fire(e *logrus.Entry) error {
	e.Data["service"] = h.name
	return nil
}
