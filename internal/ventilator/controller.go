// Package ventilator is the command surface for a single BLE ventilator.
// It composes the ble connection manager with identity persistence and
// republishes link and device events on a channel.
package ventilator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/ventpal/internal/ble"
	"github.com/chaz8081/ventpal/internal/ble/protocol"
	"github.com/chaz8081/ventpal/internal/identity"
)

var (
	// ErrNotEnabled is returned when discovery or a connect is requested
	// before Enable.
	ErrNotEnabled = errors.New("ventilator: adapter not enabled")
	// ErrNotPaired is returned by Reconnect when no device is remembered.
	ErrNotPaired = errors.New("ventilator: no paired device")
)

// Options configures a Controller.
type Options struct {
	BLE          ble.Options
	EventsBuffer int
}

// DefaultOptions returns the ventilator defaults.
func DefaultOptions() Options {
	return Options{
		BLE:          ble.DefaultOptions(),
		EventsBuffer: 64,
	}
}

// Controller is safe for concurrent use. Every operation is posted to the
// Scheduler, so callbacks passed to Connect run on the scheduler goroutine.
type Controller struct {
	transport ble.Transport
	sched     ble.Scheduler
	store     identity.Store
	mgr       *ble.Manager
	events    chan Event
	enabled   atomic.Bool

	mu     sync.Mutex
	paired string
}

// New creates a Controller and restores the paired identity from store.
func New(ctx context.Context, t ble.Transport, sched ble.Scheduler, store identity.Store, opts Options) *Controller {
	if opts.EventsBuffer <= 0 {
		opts.EventsBuffer = DefaultOptions().EventsBuffer
	}
	c := &Controller{
		transport: t,
		sched:     sched,
		store:     store,
		events:    make(chan Event, opts.EventsBuffer),
	}
	c.mgr = ble.NewManager(t, sched, listener{c}, opts.BLE)

	id, err := store.Load(ctx)
	switch {
	case errors.Is(err, identity.ErrNotFound):
	case err != nil:
		slog.Warn("[VENT] could not restore paired device", "error", err)
	default:
		slog.Info("[VENT] restored paired device", "id", id)
		c.setPaired(id)
		sched.Post(func() { c.mgr.SetRemembered(id) })
	}
	return c
}

// Events returns the event channel. Events are dropped, with a warning,
// while the channel is full.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Enable powers on the BLE adapter.
func (c *Controller) Enable() error {
	if err := c.transport.Enable(); err != nil {
		return fmt.Errorf("ventilator: %w", err)
	}
	c.enabled.Store(true)
	slog.Info("[VENT] adapter enabled")
	return nil
}

// IsConnected reports whether a link to the ventilator is up.
func (c *Controller) IsConnected() bool {
	return c.mgr.IsConnected()
}

// State returns the link state.
func (c *Controller) State() ble.State {
	return c.mgr.State()
}

// Paired returns the remembered device identity, or "".
func (c *Controller) Paired() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paired
}

func (c *Controller) setPaired(id string) {
	c.mu.Lock()
	c.paired = id
	c.mu.Unlock()
}

// Discover forgets the paired device and scans for ventilators. The ranked
// candidates arrive as an EventDevicesDiscovered.
func (c *Controller) Discover() error {
	if !c.enabled.Load() {
		return ErrNotEnabled
	}
	c.forget()
	c.sched.Post(func() {
		if err := c.mgr.Discover(); err != nil {
			slog.Warn("[VENT] discover failed", "error", err)
		}
	})
	return nil
}

// StopScan cancels discovery.
func (c *Controller) StopScan() {
	c.sched.Post(c.mgr.StopScan)
}

// Connect pairs with id and connects. cb is called exactly once with the
// outcome; it may be nil.
func (c *Controller) Connect(id string, cb func(ok bool)) error {
	if !c.enabled.Load() {
		return ErrNotEnabled
	}
	c.setPaired(id)
	if err := c.store.Save(context.Background(), id); err != nil {
		slog.Warn("[VENT] could not persist paired device", "id", id, "error", err)
	}

	c.sched.Post(func() {
		if err := c.mgr.Connect(id, cb); err != nil {
			slog.Warn("[VENT] connect failed", "id", id, "error", err)
			return
		}
		ev := Event{Kind: EventConnecting, Device: ble.Device{ID: id}}
		if s, ok := c.mgr.Session(); ok {
			ev.Session = s.ID
		}
		c.emit(ev)
	})
	return nil
}

// Reconnect connects to the paired device.
func (c *Controller) Reconnect(cb func(ok bool)) error {
	id := c.Paired()
	if id == "" {
		return ErrNotPaired
	}
	return c.Connect(id, cb)
}

// Disconnect ends the current session. A pending Connect fails.
func (c *Controller) Disconnect() {
	c.sched.Post(c.mgr.Disconnect)
}

// DisconnectWhenDone disconnects once every queued command has been
// acknowledged.
func (c *Controller) DisconnectWhenDone() {
	c.sched.Post(c.mgr.DisconnectWhenDone)
}

// Unpair forgets the paired device and disconnects.
func (c *Controller) Unpair() {
	c.forget()
	c.sched.Post(c.mgr.Unpair)
}

func (c *Controller) forget() {
	c.setPaired("")
	if err := c.store.Clear(context.Background()); err != nil {
		slog.Warn("[VENT] could not clear paired device", "error", err)
	}
}

// GetSettings asks the ventilator for its settings; the answer arrives as
// an EventSettingsReceived. Like the other commands it is dropped when no
// link is up.
func (c *Controller) GetSettings() {
	c.send(protocol.GetParams{})
}

// WriteSettings sends s. Call s.Validate first: out-of-range fields are
// truncated on the wire.
func (c *Controller) WriteSettings(s protocol.Settings) {
	c.send(protocol.SetParams{Settings: s})
}

// Calibrate moves the drive by steps.
func (c *Controller) Calibrate(steps int32) {
	c.send(protocol.CalibrateSteps{Steps: steps})
}

// SetVref sets the motor driver reference voltage.
func (c *Controller) SetVref(v uint8) {
	c.send(protocol.SetVref{Vref: v})
}

// Start starts ventilation.
func (c *Controller) Start() {
	c.send(protocol.StartStop{Run: true})
}

// Stop stops ventilation.
func (c *Controller) Stop() {
	c.send(protocol.StartStop{Run: false})
}

func (c *Controller) send(cmd protocol.Command) {
	if !c.mgr.IsConnected() {
		slog.Debug("[VENT] not connected, dropping command", "op", cmd.Opcode())
		return
	}
	c.sched.Post(func() {
		if !c.mgr.Enqueue(ble.Request{Command: cmd, WithResponse: true}) {
			slog.Debug("[VENT] link went down, dropping command", "op", cmd.Opcode())
		}
	})
}

// emit never blocks the scheduler. When the channel is full most events are
// dropped, but a Disconnected event evicts the oldest buffered one instead so
// consumers always learn that the link went down.
func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	if ev.Kind != EventDisconnected {
		slog.Warn("[VENT] event channel full, dropping event", "kind", ev.Kind)
		return
	}
	for {
		select {
		case c.events <- ev:
			return
		case old := <-c.events:
			slog.Warn("[VENT] event channel full, dropping oldest event", "kind", old.Kind)
		}
	}
}

func (c *Controller) sessionID() string {
	if s, ok := c.mgr.Session(); ok {
		return s.ID
	}
	return ""
}

// listener turns manager callbacks into Events. It runs on the scheduler.
type listener struct {
	c *Controller
}

func (l listener) DevicesDiscovered(devices []ble.Device) {
	l.c.emit(Event{Kind: EventDevicesDiscovered, Devices: devices})
}

func (l listener) Connected(s ble.SessionInfo) {
	l.c.emit(Event{Kind: EventConnected, Session: s.ID, Device: s.Device})
}

func (l listener) Disconnected(s ble.SessionInfo, reason ble.DisconnectReason) {
	l.c.emit(Event{Kind: EventDisconnected, Session: s.ID, Device: s.Device, Reason: reason})
}

func (l listener) ValueUpdated(_ string, data []byte) {
	resp, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("[VENT] dropping frame", "bytes", len(data), "error", err)
		return
	}

	switch r := resp.(type) {
	case protocol.SettingsReport:
		slog.Debug("[VENT] settings received", "patient", r.Settings.PatientID, "running", r.Settings.Running)
		l.c.emit(Event{Kind: EventSettingsReceived, Session: l.c.sessionID(), Settings: r.Settings})
	case protocol.Fault:
		slog.Warn("[VENT] device reported a fault")
		l.c.emit(Event{Kind: EventFaultDetected, Session: l.c.sessionID()})
	default:
		slog.Debug("[VENT] ignoring frame", "op", protocol.Opcode(data[0]))
	}
}
