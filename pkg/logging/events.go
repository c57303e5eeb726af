package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// EventLogger emits connector events: a fixed event name plus key/value
// details, tagged with the connector and service that produced them.
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger derives an event logger from the global logger.
func NewEventLogger(connector, service string) *EventLogger {
	return NewEventLoggerFrom(NewLogger("connector"), connector, service)
}

// NewEventLoggerFrom derives an event logger from base.
func NewEventLoggerFrom(base zerolog.Logger, connector, service string) *EventLogger {
	return &EventLogger{
		logger: base.With().
			Str("connector", connector).
			Str("service", service).
			Logger(),
	}
}

// Debug logs event at debug level.
func (l *EventLogger) Debug(event string, kv ...any) {
	l.emit(l.logger.Debug(), event, kv)
}

// Info logs event at info level.
func (l *EventLogger) Info(event string, kv ...any) {
	l.emit(l.logger.Info(), event, kv)
}

// Warn logs event at warn level.
func (l *EventLogger) Warn(event string, kv ...any) {
	l.emit(l.logger.Warn(), event, kv)
}

// Error logs event at error level. An error value under the "error" key is
// attached with Err.
func (l *EventLogger) Error(event string, kv ...any) {
	l.emit(l.logger.Error(), event, kv)
}

// emit pairs kv into fields. A trailing key without a value is logged under
// "extra".
func (l *EventLogger) emit(e *zerolog.Event, event string, kv []any) {
	if e == nil {
		return
	}
	e = e.Str("event", event)
	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			e = e.Interface("extra", kv[i])
			break
		}
		key := fmt.Sprint(kv[i])
		if err, ok := kv[i+1].(error); ok && key == "error" {
			e = e.Err(err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(event)
}
