package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// EventLog は domain.EventLog のインメモリ実装です
type EventLog struct {
	s *Store
}

var _ domain.EventLog = (*EventLog)(nil)

func (l *EventLog) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*domain.Event, error) {
	return l.filter(func(ev *domain.Event) bool { return ev.DocumentID == documentID }), nil
}

func (l *EventLog) ListByCorrelation(_ context.Context, correlationID uuid.UUID) ([]*domain.Event, error) {
	return l.filter(func(ev *domain.Event) bool { return ev.CorrelationID == correlationID }), nil
}

func (l *EventLog) PurgeBefore(_ context.Context, before time.Time) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	kept := l.s.events[:0]
	var purged int64
	for _, ev := range l.s.events {
		if ev.CreatedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	l.s.events = kept
	return purged, nil
}

func (l *EventLog) filter(match func(*domain.Event) bool) []*domain.Event {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	out := make([]*domain.Event, 0)
	for _, ev := range l.s.events {
		if match(ev) {
			c := *ev
			out = append(out, &c)
		}
	}
	return out
}
