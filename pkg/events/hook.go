package events

import (
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/models"
)

// LogHook mirrors warning-and-above log entries onto the bus as system log
// events so dashboards see what the operator sees.
type LogHook struct {
	bus *Bus
}

func NewLogHook(bus *Bus) *LogHook {
	return &LogHook{bus: bus}
}

func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

func (h *LogHook) Fire(entry *logrus.Entry) error {
	module := ""
	if v, ok := entry.Data["module"].(string); ok {
		module = v
	} else if v, ok := entry.Data["account"].(string); ok {
		module = v
	}
	h.bus.Publish(models.SystemLog(entry.Level.String(), module, entry.Message))
	return nil
}
