// Package calendar is the outbound calendar integration used by booking.
// Sync internals live elsewhere; this package only defines the sink and a
// few local implementations.
package calendar

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrDisabled = errors.New("calendar disabled")

type Event struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	Attendees   []string
}

// Sink creates and deletes calendar events. Callers treat any error as a
// soft failure.
type Sink interface {
	CreateEvent(ctx context.Context, ev Event) (string, error)
	DeleteEvent(ctx context.Context, id string) (bool, error)
}

// Nop accepts nothing; every call reports ErrDisabled.
type Nop struct{}

func (Nop) CreateEvent(context.Context, Event) (string, error) { return "", ErrDisabled }
func (Nop) DeleteEvent(context.Context, string) (bool, error)  { return false, ErrDisabled }

// WithTimeout bounds every call on s by d.
func WithTimeout(s Sink, d time.Duration) Sink {
	if d <= 0 {
		return s
	}
	return timeoutSink{inner: s, d: d}
}

type timeoutSink struct {
	inner Sink
	d     time.Duration
}

func (t timeoutSink) CreateEvent(ctx context.Context, ev Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.CreateEvent(ctx, ev)
}

func (t timeoutSink) DeleteEvent(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.DeleteEvent(ctx, id)
}

// Memory keeps events in process. It backs the "memory" driver and tests.
type Memory struct {
	mu     sync.Mutex
	seq    int
	events map[string]Event
	err    error
	delay  time.Duration
}

func NewMemory() *Memory { return &Memory{events: map[string]Event{}} }

// FailWith makes every following call return err. A nil err clears it.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SetDelay makes every call block for d or until its context ends.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *Memory) wait(ctx context.Context) error {
	m.mu.Lock()
	d, err := m.delay, m.err
	m.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (m *Memory) CreateEvent(ctx context.Context, ev Event) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "evt-" + strconv.Itoa(m.seq)
	m.events[id] = ev
	return id, nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	delete(m.events, id)
	return ok, nil
}

// Events returns a copy of the stored events keyed by id.
func (m *Memory) Events() map[string]Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Event, len(m.events))
	for k, v := range m.events {
		out[k] = v
	}
	return out
}
