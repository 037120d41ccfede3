package queue

import (
	"github.com/rs/zerolog"
)

// LoggerAdapter bridges a zerolog-style logger to the queue logger interface.
type LoggerAdapter struct {
	logger zerolog.Logger
}

// NewLoggerAdapter creates a new logger adapter.
func NewLoggerAdapter(logger zerolog.Logger) *LoggerAdapter {
	return &LoggerAdapter{logger: logger}
}

func (l *LoggerAdapter) Info() LogEvent {
	return &logEventAdapter{event: l.logger.Info()}
}

func (l *LoggerAdapter) Error() LogEvent {
	return &logEventAdapter{event: l.logger.Error()}
}

func (l *LoggerAdapter) Debug() LogEvent {
	return &logEventAdapter{event: l.logger.Debug()}
}

type logEventAdapter struct {
	event *zerolog.Event
}

func (l *logEventAdapter) Msg(msg string) {
	l.event.Msg(msg)
}

func (l *logEventAdapter) Err(err error) LogEvent {
	return &logEventAdapter{event: l.event.Err(err)}
}

func (l *logEventAdapter) Str(key, value string) LogEvent {
	return &logEventAdapter{event: l.event.Str(key, value)}
}

func (l *logEventAdapter) Int(key string, value int) LogEvent {
	return &logEventAdapter{event: l.event.Int(key, value)}
}
