package lifecycle

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type watermillLogger struct {
	l      zerolog.Logger
	fields watermill.LogFields
}

// NewWatermillLogger adapts a zerolog logger to watermill.LoggerAdapter.
func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.write(w.l.Error().Err(err), fields, msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.write(w.l.Info(), fields, msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.write(w.l.Debug(), fields, msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.write(w.l.Trace(), fields, msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l, fields: w.fields.Add(fields)}
}

func (w *watermillLogger) write(e *zerolog.Event, fields watermill.LogFields, msg string) {
	if e == nil {
		return
	}
	merged := w.fields.Add(fields)
	if len(merged) > 0 {
		e = e.Fields(map[string]interface{}(merged))
	}
	e.Msg(msg)
}
