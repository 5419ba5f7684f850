package monitor

import (
	"github.com/rs/zerolog"

	"mtf-executor/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(msg events.Message) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(msg events.Message) error {
	s.Log.Warn().
		Str("event", string(msg.Event)).
		Interface("payload", msg.Payload).
		Time("at", msg.At).
		Msg("operator alert")
	return nil
}
