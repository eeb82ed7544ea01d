package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failSink struct{ err error }

func (f failSink) Send(context.Context, Event) error { return f.err }

func TestMultiDeliversToAllAndReturnsFirstError(t *testing.T) {
	r1 := NewRecorder(4)
	r2 := NewRecorder(4)
	boom := errors.New("boom")
	m := Multi{r1, failSink{err: boom}, nil, r2}

	err := m.Send(context.Background(), Event{Type: EventStart, OccurredAt: time.Now(), Service: "api", PID: 42})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := len(r1.Events()); got != 1 {
		t.Fatalf("r1 got %d events", got)
	}
	evs := r2.Events()
	if len(evs) != 1 || evs[0].Service != "api" || evs[0].PID != 42 {
		t.Fatalf("unexpected r2 events: %+v", evs)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(1)
	_ = r.Send(context.Background(), Event{Type: EventStart})
	_ = r.Send(context.Background(), Event{Type: EventStop})
	evs := r.Events()
	if len(evs) != 1 || evs[0].Type != EventStart {
		t.Fatalf("unexpected events: %+v", evs)
	}
}
