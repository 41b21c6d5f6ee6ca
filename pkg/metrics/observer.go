package metrics

import (
	"context"

	"github.com/codelaboratoryltd/aaa/pkg/events"
)

// Observe subscribes to every event kind and keeps the event-derived
// series up to date.
func (m *Metrics) Observe(bus *events.Bus) *events.Subscription {
	return bus.Subscribe("metrics", nil, m.HandleEvent)
}

// HandleEvent updates metrics for one event.
func (m *Metrics) HandleEvent(_ context.Context, e events.Event) {
	m.eventsPublished.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case events.SessionStarted:
		m.sessionActive.Inc()
	case events.SessionStopped:
		m.sessionActive.Dec()
		if p, ok := e.Payload.(events.SessionPayload); ok {
			m.sessionDuration.Observe(p.Duration.Seconds())
			m.sessionBytesIn.Add(float64(p.Counters.InputOctets))
			m.sessionBytesOut.Add(float64(p.Counters.OutputOctets))
		}
	case events.ServiceExpired:
		m.servicesExpired.Inc()
	case events.BalanceCredited:
		m.balanceCredits.Inc()
	}
}
