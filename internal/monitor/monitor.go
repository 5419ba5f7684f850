package monitor

import (
	"context"

	"github.com/rs/zerolog"

	"mtf-executor/internal/events"
)

// Monitor forwards operator alerts from the bus to a sink.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Metrics *Metrics
	Log     zerolog.Logger
}

// Start subscribes to the operator topics and delivers until ctx ends.
// It returns a channel closed once the forwarding goroutine has exited.
func (m *Monitor) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if m.Bus == nil || m.Sink == nil {
		m.Log.Warn().Msg("monitor not fully configured; skipping")
		close(done)
		return done
	}
	stream, unsub := m.Bus.Subscribe(64, events.OperatorAlerts...)
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				if m.Metrics != nil {
					m.Metrics.Alert(string(msg.Event))
				}
				if err := m.Sink.Send(msg); err != nil {
					m.Log.Error().Err(err).Str("event", string(msg.Event)).Msg("alert delivery failed")
				}
			}
		}
	}()
	return done
}
