// Package logging builds the process logger and forwards log entries to
// realtime clients.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ricochet1k/wagate/internal/domain"
)

// New returns a logger writing to out at level, formatted as "text" or
// "json".
func New(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}

// Publisher receives log events. *service.EventBroadcaster satisfies it.
type Publisher interface {
	Publish(domain.Event)
}

// BroadcastHook turns log entries into log events. Entries carrying a
// "session" field are tagged with that session, others with the SYSTEM tag.
type BroadcastHook struct {
	publisher Publisher
	levels    []logrus.Level
}

// NewBroadcastHook forwards entries at min or more severe.
func NewBroadcastHook(publisher Publisher, min logrus.Level) *BroadcastHook {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return &BroadcastHook{publisher: publisher, levels: levels}
}

func (h *BroadcastHook) Levels() []logrus.Level {
	return h.levels
}

func (h *BroadcastHook) Fire(entry *logrus.Entry) error {
	sessionID, _ := entry.Data["session"].(string)

	var details map[string]any
	for k, v := range entry.Data {
		if k == "session" {
			continue
		}
		if details == nil {
			details = make(map[string]any, len(entry.Data))
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		details[k] = v
	}

	h.publisher.Publish(domain.NewLogEvent(sessionID, entry.Level.String(), entry.Message, details))
	return nil
}
