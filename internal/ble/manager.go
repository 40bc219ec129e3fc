package ble

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Options configures the Manager.
type Options struct {
	ServiceUUID   string
	WriteCharUUID string
	ReadCharUUID  string
	// NameFilter switches discovery to matching advertised local names, for
	// peripherals that do not advertise the service UUID.
	NameFilter string

	ScanWindow     time.Duration // length of one scan pass
	ConnectTimeout time.Duration // Connect to Ready
	WritePacing    time.Duration // delay between unacknowledged writes
}

// DefaultOptions returns the ventilator UUIDs and timings.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:    ServiceUUID,
		WriteCharUUID:  WriteCharUUID,
		ReadCharUUID:   ReadCharUUID,
		ScanWindow:     5 * time.Second,
		ConnectTimeout: 5 * time.Second,
		WritePacing:    100 * time.Millisecond,
	}
}

// SessionInfo identifies one connection attempt.
type SessionInfo struct {
	ID     string // ULID, for log correlation
	Device Device
}

// Listener receives session events from the Manager. Calls happen on the
// Scheduler goroutine.
type Listener interface {
	DevicesDiscovered(devices []Device)
	Connected(s SessionInfo)
	Disconnected(s SessionInfo, reason DisconnectReason)
	ValueUpdated(charUUID string, data []byte)
}

type session struct {
	info      SessionInfo
	state     State
	queue     *WriteQueue
	endpoints map[string]Characteristic
	retried   bool
	ackTag    uint64 // tag of the write awaiting acknowledgment
}

// Manager is the connection state machine for a single ventilator link.
//
// Except for State and IsConnected, methods must be called on the
// Scheduler goroutine.
type Manager struct {
	transport Transport
	sched     Scheduler
	listener  Listener
	opts      Options

	state      atomic.Int32
	reason     DisconnectReason
	remembered string

	scanner   *Scanner
	scanning  bool
	scanTimer Timer

	sess         *session
	closing      *session // explicitly disconnected, awaiting the hardware callback
	pending      func(ok bool)
	connectTimer Timer

	entropy  *ulid.MonotonicEntropy
	writeSeq uint64
}

// NewManager creates a Manager and registers it as the transport's handler.
// Zero durations and UUIDs in opts fall back to DefaultOptions.
func NewManager(t Transport, sched Scheduler, l Listener, opts Options) *Manager {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.ReadCharUUID == "" {
		opts.ReadCharUUID = def.ReadCharUUID
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = def.ScanWindow
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.WritePacing <= 0 {
		opts.WritePacing = def.WritePacing
	}

	m := &Manager{
		transport: t,
		sched:     sched,
		listener:  l,
		opts:      opts,
		scanner:   NewScanner(),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(sched.Now().UnixNano())), 0),
	}
	t.SetHandler(postingHandler{m})
	return m
}

// State returns the current state. Safe for concurrent use.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected reports whether a physical link is up. Safe for concurrent use.
func (m *Manager) IsConnected() bool {
	st := m.State()
	return st == StateDiscoveringServices || st == StateReady
}

// Reason returns why the last session ended.
func (m *Manager) Reason() DisconnectReason {
	return m.reason
}

// Remembered returns the identity the manager is bound to, or "".
func (m *Manager) Remembered() string {
	return m.remembered
}

// SetRemembered binds the manager to an identity restored from storage.
func (m *Manager) SetRemembered(id string) {
	m.remembered = id
}

// Session returns the current session, if any.
func (m *Manager) Session() (SessionInfo, bool) {
	if m.sess == nil {
		return SessionInfo{}, false
	}
	return m.sess.info, true
}

// QueueLen returns the number of commands queued or in flight.
func (m *Manager) QueueLen() int {
	if m.sess == nil {
		return 0
	}
	n := m.sess.queue.Len()
	if m.sess.queue.InFlight() {
		n++
	}
	return n
}

// Discover forgets the remembered identity, ends any session, and scans.
// When a pass closes with candidates, they are published ranked by signal
// strength through Listener.DevicesDiscovered. Passes with no candidates
// restart until StopScan.
func (m *Manager) Discover() error {
	m.remembered = ""
	m.teardown()
	return m.startScan()
}

// Connect binds the manager to id and connects as soon as the device
// advertises. cb is called exactly once: with true when the write
// characteristic is ready, or with false on timeout or failure.
func (m *Manager) Connect(id string, cb func(ok bool)) error {
	m.teardown()
	m.remembered = id

	s := m.newSession(Device{ID: id})
	s.state = StateScanning
	m.sess = s
	m.pending = cb
	m.connectTimer = m.sched.AfterFunc(m.opts.ConnectTimeout, m.connectTimedOut)
	slog.Info("[BLE] connecting", "id", id, "session", s.info.ID)

	if err := m.startScan(); err != nil {
		m.endSession(ReasonFailed)
		m.failConnect()
		return err
	}
	return nil
}

// StopScan cancels discovery. A pending Connect keeps waiting for its
// timeout.
func (m *Manager) StopScan() {
	m.stopScan()
	if m.sess == nil && m.State() == StateScanning {
		m.setState(StateIdle)
	}
}

// Disconnect ends the current session. A pending Connect callback is
// called with false.
func (m *Manager) Disconnect() {
	m.stopScan()

	s := m.sess
	switch {
	case s == nil:
		if m.State() == StateScanning {
			m.setState(StateIdle)
		}
	case s.state == StateScanning:
		m.endSession(ReasonRequested)
	case s.state.linked():
		slog.Info("[BLE] disconnecting", "id", s.info.Device.ID, "session", s.info.ID)
		s.state = StateDisconnecting
		m.setState(StateDisconnecting)
		s.queue.Clear()
		if err := m.transport.CancelConnection(s.info.Device.ID); err != nil {
			slog.Warn("[BLE] cancel connection failed", "id", s.info.Device.ID, "error", err)
			m.endSession(ReasonRequested)
		}
	}
	m.failConnect()
}

// Unpair forgets the remembered identity and disconnects.
func (m *Manager) Unpair() {
	m.remembered = ""
	m.Disconnect()
}

// DisconnectWhenDone disconnects once every queued command has been sent
// and acknowledged, or immediately if nothing is pending or the link is down.
func (m *Manager) DisconnectWhenDone() {
	s := m.sess
	if s == nil || !m.IsConnected() {
		m.Disconnect()
		return
	}
	s.queue.OnIdle(func() {
		if m.sess == s {
			m.Disconnect()
		}
	})
}

// Enqueue queues a command for the current session. It reports false, and
// drops the command, when no link is up.
func (m *Manager) Enqueue(r Request) bool {
	if m.sess == nil || !m.IsConnected() {
		return false
	}
	m.sess.queue.Enqueue(r)
	return true
}

func (m *Manager) newSession(d Device) *session {
	s := &session{
		info:      SessionInfo{ID: ulid.MustNew(ulid.Timestamp(m.sched.Now()), m.entropy).String(), Device: d},
		endpoints: make(map[string]Characteristic),
	}
	s.queue = NewWriteQueue(m.sched, m.opts.WritePacing, func(frame []byte, withResponse bool) error {
		m.writeSeq++
		tag := m.writeSeq
		if withResponse {
			s.ackTag = tag
		}
		return m.transport.Write(m.opts.WriteCharUUID, frame, withResponse, tag)
	})
	return s
}

func (m *Manager) setState(st State) {
	if old := State(m.state.Swap(int32(st))); old != st {
		slog.Debug("[BLE] state", "from", old, "to", st)
	}
}

// teardown ends the current session before a new discovery or connect.
// A link being torn down is parked in closing so its disconnect callback
// is still reported.
func (m *Manager) teardown() {
	m.Disconnect()
	if s := m.sess; s != nil && s.state == StateDisconnecting {
		m.closing = s
		m.sess = nil
	}
}

// endSession makes the current session terminal. Listeners hear about it
// only if a link was attempted.
func (m *Manager) endSession(reason DisconnectReason) {
	s := m.sess
	m.sess = nil
	attempted := s.state.linked() || s.state == StateDisconnecting

	s.queue.Clear()
	s.state = StateDisconnected
	m.reason = reason
	m.setState(StateDisconnected)

	if attempted {
		slog.Info("[BLE] disconnected", "id", s.info.Device.ID, "session", s.info.ID, "reason", reason)
		m.listener.Disconnected(s.info, reason)
	}
}

func (m *Manager) failConnect() {
	m.stopConnectTimer()
	cb := m.pending
	m.pending = nil
	if cb != nil {
		cb(false)
	}
}

func (m *Manager) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *Manager) startScan() error {
	m.stopScan()
	m.scanner.Reset()

	filter := m.opts.ServiceUUID
	if m.opts.NameFilter != "" {
		filter = ""
	}
	if err := m.transport.Scan(filter); err != nil {
		if m.sess == nil {
			m.setState(StateIdle)
		}
		return fmt.Errorf("ble: scan: %w", err)
	}
	m.scanning = true
	m.setState(StateScanning)
	m.scanTimer = m.sched.AfterFunc(m.opts.ScanWindow, m.scanWindowElapsed)
	slog.Debug("[BLE] scanning", "service", filter, "name", m.opts.NameFilter)
	return nil
}

func (m *Manager) stopScan() {
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
	if !m.scanning {
		return
	}
	m.scanning = false
	if err := m.transport.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
}

func (m *Manager) scanWindowElapsed() {
	m.scanTimer = nil
	if !m.scanning {
		return
	}

	switch {
	case m.scanner.Len() == 0:
		slog.Debug("[BLE] restarting scan", "error", ErrScanTimeout)
		if err := m.startScan(); err != nil {
			slog.Warn("[BLE] scan restart failed", "error", err)
		}
	case m.remembered == "":
		devices := m.scanner.Ranked()
		m.stopScan()
		m.setState(StateIdle)
		slog.Info("[BLE] scan complete", "devices", len(devices))
		m.listener.DevicesDiscovered(devices)
	default:
		// Bound to an identity that has not advertised yet.
		m.scanTimer = m.sched.AfterFunc(m.opts.ScanWindow, m.scanWindowElapsed)
	}
}

func (m *Manager) connectTimedOut() {
	m.connectTimer = nil
	if m.pending == nil {
		return
	}
	slog.Warn("[BLE] connect timed out", "id", m.remembered, "after", m.opts.ConnectTimeout)

	m.stopScan()
	if s := m.sess; s != nil {
		if s.state.linked() {
			if err := m.transport.CancelConnection(s.info.Device.ID); err != nil {
				slog.Warn("[BLE] cancel connection failed", "id", s.info.Device.ID, "error", err)
			}
		}
		m.endSession(ReasonTimeout)
	}
	m.failConnect()
}

func (m *Manager) dial(s *session) {
	s.state = StateConnecting
	m.setState(StateConnecting)
	if err := m.transport.Connect(s.info.Device.ID); err != nil {
		m.handleConnectFailed(s.info.Device.ID, fmt.Errorf("ble: connect to %s: %w", s.info.Device.ID, err))
	}
}

func (m *Manager) knownEndpoint(uuid string) bool {
	return strings.EqualFold(uuid, m.opts.WriteCharUUID) || strings.EqualFold(uuid, m.opts.ReadCharUUID)
}

func (m *Manager) handleAdvertisement(d Device) {
	if !m.scanning {
		return
	}

	// The remembered identity is matched before any name filtering.
	if s := m.sess; s != nil && s.state == StateScanning && m.remembered != "" && d.ID == m.remembered {
		slog.Info("[BLE] found remembered device", "id", d.ID, "name", d.Name, "rssi", d.RSSI)
		m.stopScan()
		s.info.Device = d
		m.dial(s)
		return
	}

	if m.opts.NameFilter != "" && !strings.Contains(d.Name, m.opts.NameFilter) {
		return
	}

	if m.scanner.Observe(d) {
		slog.Debug("[BLE] discovered", "id", d.ID, "name", d.Name, "rssi", d.RSSI)
	}
}

func (m *Manager) handleConnected(id string) {
	s := m.sess
	if s == nil || s.state != StateConnecting || s.info.Device.ID != id {
		slog.Debug("[BLE] ignoring connect callback", "id", id)
		return
	}
	slog.Info("[BLE] connected", "id", id, "name", s.info.Device.Name, "session", s.info.ID)

	s.state = StateDiscoveringServices
	m.setState(StateDiscoveringServices)
	if err := m.transport.DiscoverServices(""); err != nil {
		slog.Warn("[BLE] service discovery failed", "id", id, "error", err)
	}
}

// handleConnectFailed retries once when the failed device is the
// remembered one; the retry shares the original connect timeout.
func (m *Manager) handleConnectFailed(id string, err error) {
	s := m.sess
	if s == nil || s.state != StateConnecting || s.info.Device.ID != id {
		slog.Debug("[BLE] ignoring connect failure", "id", id, "error", err)
		return
	}
	slog.Warn("[BLE] connect failed", "id", id, "session", s.info.ID, "error", err)

	retry := id == m.remembered && !s.retried && m.pending != nil
	device := s.info.Device
	m.endSession(ReasonFailed)

	if !retry {
		m.failConnect()
		return
	}

	slog.Info("[BLE] retrying connect", "id", id)
	next := m.newSession(device)
	next.retried = true
	m.sess = next
	m.dial(next)
}

func (m *Manager) handleDisconnected(id string, err error) {
	if c := m.closing; c != nil && c.info.Device.ID == id {
		m.closing = nil
		slog.Info("[BLE] disconnected", "id", id, "session", c.info.ID, "reason", ReasonRequested)
		m.listener.Disconnected(c.info, ReasonRequested)
		return
	}

	s := m.sess
	if s == nil || s.info.Device.ID != id {
		slog.Debug("[BLE] ignoring disconnect callback", "id", id)
		return
	}
	switch {
	case s.state == StateDisconnecting:
		m.endSession(ReasonRequested)
	case s.state.linked():
		slog.Warn("[BLE] link lost", "id", id, "session", s.info.ID, "error", err)
		m.endSession(ReasonRemote)
		m.failConnect()
	}
}

func (m *Manager) handleCharacteristics(chars []Characteristic) {
	s := m.sess
	if s == nil || (s.state != StateDiscoveringServices && s.state != StateReady) {
		return
	}

	foundWrite := false
	for _, c := range chars {
		if !m.knownEndpoint(c.UUID) {
			continue
		}
		slog.Debug("[BLE] discovered characteristic", "uuid", c.UUID, "notify", c.Notify)
		s.endpoints[strings.ToLower(c.UUID)] = c

		if c.Notify {
			if err := m.transport.Subscribe(c.UUID); err != nil {
				slog.Warn("[BLE] subscribe failed", "uuid", c.UUID, "error", err)
			}
		}
		if strings.EqualFold(c.UUID, m.opts.WriteCharUUID) {
			foundWrite = true
		}
	}

	if foundWrite && s.state == StateDiscoveringServices {
		m.ready(s)
	}
}

func (m *Manager) ready(s *session) {
	s.state = StateReady
	m.setState(StateReady)
	m.stopConnectTimer()
	cb := m.pending
	m.pending = nil
	slog.Info("[BLE] ready", "id", s.info.Device.ID, "session", s.info.ID)

	s.queue.Start()
	m.listener.Connected(s.info)
	if cb != nil {
		cb(true)
	}
}

func (m *Manager) handleServicesInvalidated() {
	s := m.sess
	if s == nil || (s.state != StateDiscoveringServices && s.state != StateReady) {
		return
	}
	slog.Info("[BLE] services changed, rediscovering", "id", s.info.Device.ID)
	if err := m.transport.DiscoverServices(m.opts.ServiceUUID); err != nil {
		slog.Warn("[BLE] service rediscovery failed", "error", err)
	}
}

// handleWriteAcked completes the in-flight write only if tag is the one it
// was issued under; acks from an earlier link are dropped.
func (m *Manager) handleWriteAcked(tag uint64, err error) {
	s := m.sess
	if s == nil || !s.queue.InFlight() || tag != s.ackTag {
		slog.Debug("[BLE] ignoring stale write ack", "tag", tag)
		return
	}
	s.queue.Ack(err)
}

func (m *Manager) handleValue(uuid string, data []byte) {
	s := m.sess
	if s == nil || (s.state != StateDiscoveringServices && s.state != StateReady) {
		return
	}
	if !m.knownEndpoint(uuid) {
		return
	}
	slog.Debug("[BLE] received", "uuid", uuid, "bytes", len(data))
	m.listener.ValueUpdated(uuid, data)
}

// postingHandler moves transport callbacks onto the scheduler goroutine.
type postingHandler struct {
	m *Manager
}

func (h postingHandler) Advertisement(d Device) {
	h.m.sched.Post(func() { h.m.handleAdvertisement(d) })
}

func (h postingHandler) Connected(id string) {
	h.m.sched.Post(func() { h.m.handleConnected(id) })
}

func (h postingHandler) ConnectFailed(id string, err error) {
	h.m.sched.Post(func() { h.m.handleConnectFailed(id, err) })
}

func (h postingHandler) Disconnected(id string, err error) {
	h.m.sched.Post(func() { h.m.handleDisconnected(id, err) })
}

func (h postingHandler) CharacteristicsDiscovered(chars []Characteristic) {
	h.m.sched.Post(func() { h.m.handleCharacteristics(chars) })
}

func (h postingHandler) ServicesInvalidated() {
	h.m.sched.Post(h.m.handleServicesInvalidated)
}

func (h postingHandler) WriteAcked(tag uint64, err error) {
	h.m.sched.Post(func() { h.m.handleWriteAcked(tag, err) })
}

func (h postingHandler) ValueUpdated(charUUID string, data []byte) {
	h.m.sched.Post(func() { h.m.handleValue(charUUID, data) })
}
