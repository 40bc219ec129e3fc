package ventilator

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/ventpal/internal/ble"
	"github.com/chaz8081/ventpal/internal/identity"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler queues posted tasks until flush and fires timers only when
// the clock is advanced.
type fakeScheduler struct {
	now    time.Time
	tasks  []func()
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) Post(f func()) { s.tasks = append(s.tasks, f) }

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) ble.Timer {
	t := &fakeTimer{at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Now() time.Time { return s.now }

func (s *fakeScheduler) flush() {
	for len(s.tasks) > 0 {
		f := s.tasks[0]
		s.tasks = s.tasks[1:]
		f()
	}
}

// advance fires due timers in deadline order; ties run in creation order.
func (s *fakeScheduler) advance(d time.Duration) {
	end := s.now.Add(d)
	s.flush()
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.f()
		s.flush()
	}
	s.now = end
}

type sentWrite struct {
	data         []byte
	withResponse bool
	tag          uint64
}

// fakeTransport records requests; tests drive completions through handler.
type fakeTransport struct {
	handler   ble.Handler
	enableErr error
	enabled   bool
	scans     int
	connects  []string
	cancels   []string
	writes    []sentWrite
}

func (f *fakeTransport) Enable() error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = true
	return nil
}

func (f *fakeTransport) SetHandler(h ble.Handler) { f.handler = h }

func (f *fakeTransport) Scan(string) error {
	f.scans++
	return nil
}

func (f *fakeTransport) StopScan() error { return nil }

func (f *fakeTransport) Connect(id string) error {
	f.connects = append(f.connects, id)
	return nil
}

func (f *fakeTransport) CancelConnection(id string) error {
	f.cancels = append(f.cancels, id)
	f.handler.Disconnected(id, nil)
	return nil
}

func (f *fakeTransport) DiscoverServices(string) error { return nil }

func (f *fakeTransport) Write(_ string, data []byte, withResponse bool, tag uint64) error {
	f.writes = append(f.writes, sentWrite{data: bytes.Clone(data), withResponse: withResponse, tag: tag})
	return nil
}

// ack acknowledges the most recent write.
func (f *fakeTransport) ack(err error) {
	if len(f.writes) == 0 {
		return
	}
	f.handler.WriteAcked(f.writes[len(f.writes)-1].tag, err)
}

func (f *fakeTransport) Subscribe(string) error { return nil }

var _ ble.Transport = (*fakeTransport)(nil)

// failingStore is an identity.Store whose every call fails.
type failingStore struct{}

var errStore = errors.New("disk full")

func (failingStore) Load(context.Context) (string, error) { return "", errStore }
func (failingStore) Save(context.Context, string) error   { return errStore }
func (failingStore) Clear(context.Context) error          { return errStore }
func (failingStore) Close() error                         { return nil }

type harness struct {
	t     *testing.T
	tr    *fakeTransport
	sched *fakeScheduler
	store identity.Store
	c     *Controller
}

func newHarness(t *testing.T, store identity.Store, opts Options) *harness {
	t.Helper()
	tr := &fakeTransport{}
	sched := newFakeScheduler()
	c := New(context.Background(), tr, sched, store, opts)
	sched.flush()
	if err := c.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	return &harness{t: t, tr: tr, sched: sched, store: store, c: c}
}

// connectReady connects to id and walks the link to ready.
func (h *harness) connectReady(id string) {
	h.t.Helper()
	if err := h.c.Connect(id, nil); err != nil {
		h.t.Fatalf("Connect() error = %v", err)
	}
	h.sched.flush()
	h.tr.handler.Advertisement(ble.Device{ID: id, Name: "Ventilator", RSSI: -50})
	h.sched.flush()
	h.tr.handler.Connected(id)
	h.sched.flush()
	h.tr.handler.CharacteristicsDiscovered([]ble.Characteristic{
		{UUID: ble.WriteCharUUID},
		{UUID: ble.ReadCharUUID, Notify: true},
	})
	h.sched.flush()
	if !h.c.IsConnected() {
		h.t.Fatal("not connected after discovery")
	}
}

// drain returns every event currently buffered.
func (h *harness) drain() []Event {
	var evs []Event
	for {
		select {
		case ev := <-h.c.Events():
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}
