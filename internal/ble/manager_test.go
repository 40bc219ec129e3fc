package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/ventpal/internal/ble/protocol"
)

func TestDiscoverPublishesRankedDevices(t *testing.T) {
	h := newHarness(t)
	if err := h.m.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(h.tr.scans) != 1 || h.tr.scans[0] != ServiceUUID {
		t.Fatalf("scans = %v, want one filtered by service", h.tr.scans)
	}

	h.tr.advertise("A", "Vent A", -80)
	h.tr.advertise("B", "Vent B", -40)
	h.tr.advertise("C", "Vent C", -60)
	h.tr.advertise("B", "Vent B", -30)
	h.sched.advance(5 * time.Second)

	if len(h.l.discovered) != 1 {
		t.Fatalf("DevicesDiscovered calls = %d, want 1", len(h.l.discovered))
	}
	got := h.l.discovered[0]
	want := []Device{
		{ID: "B", Name: "Vent B", RSSI: -40},
		{ID: "C", Name: "Vent C", RSSI: -60},
		{ID: "A", Name: "Vent A", RSSI: -80},
	}
	if len(got) != len(want) {
		t.Fatalf("devices = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("devices[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if h.m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", h.m.State(), StateIdle)
	}
	if h.tr.stopScans == 0 {
		t.Error("scan not stopped after publishing")
	}
}

func TestDiscoverRestartsEmptyPass(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Discover()

	h.sched.advance(5 * time.Second)
	if len(h.l.discovered) != 0 {
		t.Fatal("empty pass published")
	}
	if len(h.tr.scans) != 2 {
		t.Fatalf("scans = %d, want restart", len(h.tr.scans))
	}
	if h.m.State() != StateScanning {
		t.Fatalf("State() = %v, want %v", h.m.State(), StateScanning)
	}

	h.tr.advertise("A", "Vent A", -70)
	h.sched.advance(5 * time.Second)
	if len(h.l.discovered) != 1 || len(h.l.discovered[0]) != 1 {
		t.Fatalf("discovered = %v, want one device", h.l.discovered)
	}
}

func TestDiscoverForgetsRememberedIdentity(t *testing.T) {
	h := newHarness(t)
	h.m.SetRemembered("A")
	_ = h.m.Discover()
	if h.m.Remembered() != "" {
		t.Errorf("Remembered() = %q, want empty", h.m.Remembered())
	}
}

func TestStopScanEndsDiscovery(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Discover()
	h.m.StopScan()
	if h.m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", h.m.State(), StateIdle)
	}
	h.sched.advance(time.Minute)
	if len(h.tr.scans) != 1 {
		t.Errorf("scans = %d after StopScan, want 1", len(h.tr.scans))
	}
}

func TestNameFilterScansEverything(t *testing.T) {
	opts := DefaultOptions()
	opts.NameFilter = "Vent"
	h := newHarnessWithOptions(t, opts)
	_ = h.m.Discover()
	if len(h.tr.scans) != 1 || h.tr.scans[0] != "" {
		t.Fatalf("scans = %q, want one unfiltered", h.tr.scans)
	}

	h.tr.advertise("A", "Headphones", -30)
	h.tr.advertise("B", "Ventilator-2", -60)
	h.sched.advance(5 * time.Second)
	if len(h.l.discovered) != 1 || len(h.l.discovered[0]) != 1 || h.l.discovered[0][0].ID != "B" {
		t.Errorf("discovered = %v, want only B", h.l.discovered)
	}
}

func TestConnectReady(t *testing.T) {
	h := newHarness(t)
	res := h.connectReady("X")

	if len(res.calls) != 1 || !res.calls[0] {
		t.Fatalf("callback calls = %v, want [true]", res.calls)
	}
	if len(h.l.connected) != 1 || h.l.connected[0].Device.ID != "X" {
		t.Fatalf("connected = %v, want X", h.l.connected)
	}
	if h.l.connected[0].ID == "" {
		t.Error("session has no id")
	}
	if len(h.tr.subscribes) != 1 || h.tr.subscribes[0] != ReadCharUUID {
		t.Errorf("subscribes = %v, want read characteristic", h.tr.subscribes)
	}
	if !h.m.IsConnected() {
		t.Error("IsConnected() = false")
	}
	if h.m.Remembered() != "X" {
		t.Errorf("Remembered() = %q, want X", h.m.Remembered())
	}

	h.sched.advance(time.Minute)
	if len(res.calls) != 1 {
		t.Errorf("callback calls = %d after timeout elapsed, want 1", len(res.calls))
	}
	if h.m.State() != StateReady {
		t.Errorf("State() = %v, want %v", h.m.State(), StateReady)
	}
}

func TestConnectIgnoresOtherDevices(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Connect("X", nil)
	h.tr.advertise("Y", "Vent Y", -20)
	h.sched.flush()
	if len(h.tr.connects) != 0 {
		t.Errorf("connects = %v, want none", h.tr.connects)
	}
	if h.m.State() != StateScanning {
		t.Errorf("State() = %v, want %v", h.m.State(), StateScanning)
	}
}

func TestConnectTimesOutWhenDeviceNeverAdvertises(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	if err := h.m.Connect("X", res.cb); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.sched.advance(5 * time.Second)
	if len(res.calls) != 1 || res.calls[0] {
		t.Fatalf("callback calls = %v, want [false]", res.calls)
	}
	if h.m.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", h.m.QueueLen())
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", h.m.State(), StateDisconnected)
	}
	if h.m.Reason() != ReasonTimeout {
		t.Errorf("Reason() = %v, want %v", h.m.Reason(), ReasonTimeout)
	}
	if !errors.Is(h.m.Reason().Err(), ErrConnectTimeout) {
		t.Errorf("Reason().Err() = %v, want ErrConnectTimeout", h.m.Reason().Err())
	}

	scans := len(h.tr.scans)
	h.sched.advance(time.Minute)
	if len(res.calls) != 1 {
		t.Errorf("callback calls = %d, want exactly 1", len(res.calls))
	}
	if len(h.tr.scans) != scans {
		t.Error("scanning resumed after timeout")
	}
}

func TestConnectTimeoutWhileLinkingCancels(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	h.tr.handler.Connected("X")
	h.sched.flush()

	h.sched.advance(5 * time.Second)
	if len(h.tr.cancels) != 1 || h.tr.cancels[0] != "X" {
		t.Errorf("cancels = %v, want [X]", h.tr.cancels)
	}
	if len(res.calls) != 1 || res.calls[0] {
		t.Errorf("callback calls = %v, want [false]", res.calls)
	}
	if len(h.l.disconnected) != 1 || h.l.disconnected[0].reason != ReasonTimeout {
		t.Errorf("disconnected = %v, want one timeout", h.l.disconnected)
	}
}

func TestConnectFailureRetriesOnce(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	first, _ := h.m.Session()

	h.tr.handler.ConnectFailed("X", errors.New("link layer timeout"))
	h.sched.flush()
	if len(h.tr.connects) != 2 {
		t.Fatalf("connects = %v, want a retry", h.tr.connects)
	}
	if len(res.calls) != 0 {
		t.Fatalf("callback called during retry: %v", res.calls)
	}
	if h.m.State() != StateConnecting {
		t.Fatalf("State() = %v, want %v", h.m.State(), StateConnecting)
	}
	retry, _ := h.m.Session()
	if retry.ID == first.ID {
		t.Error("retry reused the session id")
	}

	h.tr.handler.ConnectFailed("X", errors.New("link layer timeout"))
	h.sched.flush()
	if len(h.tr.connects) != 2 {
		t.Errorf("connects = %v, want no second retry", h.tr.connects)
	}
	if len(res.calls) != 1 || res.calls[0] {
		t.Errorf("callback calls = %v, want [false]", res.calls)
	}
	if h.m.Reason() != ReasonFailed {
		t.Errorf("Reason() = %v, want %v", h.m.Reason(), ReasonFailed)
	}
	if len(h.l.disconnected) != 2 {
		t.Errorf("disconnected events = %d, want 2", len(h.l.disconnected))
	}
}

func TestConnectRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	h.tr.handler.ConnectFailed("X", errors.New("busy"))
	h.sched.flush()

	h.tr.handler.Connected("X")
	h.sched.flush()
	h.tr.handler.CharacteristicsDiscovered(ventilatorChars())
	h.sched.flush()

	if len(res.calls) != 1 || !res.calls[0] {
		t.Errorf("callback calls = %v, want [true]", res.calls)
	}
	if h.m.State() != StateReady {
		t.Errorf("State() = %v, want %v", h.m.State(), StateReady)
	}
}

func TestReadyRequiresWriteCharacteristic(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Connect("X", nil)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	h.tr.handler.Connected("X")
	h.sched.flush()

	h.tr.handler.CharacteristicsDiscovered([]Characteristic{{UUID: ReadCharUUID, Notify: true}})
	h.sched.flush()
	if h.m.State() != StateDiscoveringServices {
		t.Fatalf("State() = %v, want %v", h.m.State(), StateDiscoveringServices)
	}
	if !h.m.IsConnected() {
		t.Error("IsConnected() = false while discovering services")
	}

	h.tr.handler.CharacteristicsDiscovered([]Characteristic{{UUID: "C2EEA6F7-0DDA-4C51-84EF-A846C6C93367"}})
	h.sched.flush()
	if h.m.State() != StateReady {
		t.Errorf("State() = %v, want %v with upper-case uuid", h.m.State(), StateReady)
	}
}

func TestCommandsQueuedBeforeReadyAreSent(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Connect("X", nil)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	h.tr.handler.Connected("X")
	h.sched.flush()

	if !h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true}) {
		t.Fatal("Enqueue() = false while discovering services")
	}
	if len(h.tr.writes) != 0 {
		t.Fatal("write sent before the characteristic was discovered")
	}
	h.tr.handler.CharacteristicsDiscovered(ventilatorChars())
	h.sched.flush()
	if len(h.tr.writes) != 1 {
		t.Errorf("writes = %d after ready, want 1", len(h.tr.writes))
	}
}

func TestReadyDrainsQueueOnAcks(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")

	for i := 0; i < 3; i++ {
		h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
	}
	if len(h.tr.writes) != 1 {
		t.Fatalf("writes = %d, want 1 in flight", len(h.tr.writes))
	}
	w := h.tr.writes[0]
	if w.char != WriteCharUUID || !w.withResponse || !bytes.Equal(w.data, []byte{0x02}) {
		t.Errorf("write = %+v, want GET on write characteristic", w)
	}
	if h.m.QueueLen() != 3 {
		t.Errorf("QueueLen() = %d, want 3", h.m.QueueLen())
	}

	for want := 2; want <= 3; want++ {
		h.tr.ack(nil)
		h.sched.flush()
		if len(h.tr.writes) != want {
			t.Fatalf("writes = %d after ack, want %d", len(h.tr.writes), want)
		}
	}
	h.tr.ack(nil)
	h.sched.flush()
	if h.m.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", h.m.QueueLen())
	}
}

func TestEnqueueDroppedWhenNotConnected(t *testing.T) {
	h := newHarness(t)
	if h.m.Enqueue(Request{Command: protocol.GetParams{}}) {
		t.Error("Enqueue() = true with no session")
	}
	_ = h.m.Connect("X", nil)
	if h.m.Enqueue(Request{Command: protocol.GetParams{}}) {
		t.Error("Enqueue() = true while scanning")
	}
	if len(h.tr.writes) != 0 || h.m.QueueLen() != 0 {
		t.Error("dropped command was queued")
	}
}

func TestRemoteDisconnectClearsQueue(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	for i := 0; i < 3; i++ {
		h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
	}

	h.tr.handler.Disconnected("X", errors.New("supervision timeout"))
	h.sched.flush()

	if h.m.QueueLen() != 0 {
		t.Errorf("QueueLen() = %d, want 0", h.m.QueueLen())
	}
	if h.m.State() != StateDisconnected || h.m.Reason() != ReasonRemote {
		t.Errorf("State() = %v Reason() = %v, want disconnected/remote", h.m.State(), h.m.Reason())
	}
	if len(h.l.disconnected) != 1 || h.l.disconnected[0].reason != ReasonRemote {
		t.Errorf("disconnected = %v, want one remote", h.l.disconnected)
	}

	scans, connects := len(h.tr.scans), len(h.tr.connects)
	h.sched.advance(time.Minute)
	if len(h.tr.scans) != scans || len(h.tr.connects) != connects {
		t.Error("reconnected after an unsolicited disconnect")
	}
}

func TestRemoteDisconnectBeforeReadyFailsCallback(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()
	h.tr.handler.Connected("X")
	h.sched.flush()

	h.tr.handler.Disconnected("X", nil)
	h.sched.flush()
	if len(res.calls) != 1 || res.calls[0] {
		t.Errorf("callback calls = %v, want [false]", res.calls)
	}
	if h.m.Reason() != ReasonRemote {
		t.Errorf("Reason() = %v, want %v", h.m.Reason(), ReasonRemote)
	}
}

func TestDisconnectDuringConnectFailsCallback(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.tr.advertise("X", "Vent", -50)
	h.sched.flush()

	h.m.Disconnect()
	if len(res.calls) != 1 || res.calls[0] {
		t.Fatalf("callback calls = %v, want [false]", res.calls)
	}
	if h.m.State() != StateDisconnecting {
		t.Fatalf("State() = %v, want %v", h.m.State(), StateDisconnecting)
	}
	h.sched.flush()
	if h.m.State() != StateDisconnected || h.m.Reason() != ReasonRequested {
		t.Errorf("State() = %v Reason() = %v, want disconnected/requested", h.m.State(), h.m.Reason())
	}
	if len(h.l.disconnected) != 1 || h.l.disconnected[0].reason != ReasonRequested {
		t.Errorf("disconnected = %v, want one requested", h.l.disconnected)
	}
}

func TestDisconnectWhileScanningForDevice(t *testing.T) {
	h := newHarness(t)
	res := &connectResults{}
	_ = h.m.Connect("X", res.cb)
	h.m.Disconnect()

	if len(res.calls) != 1 || res.calls[0] {
		t.Errorf("callback calls = %v, want [false]", res.calls)
	}
	if len(h.tr.cancels) != 0 {
		t.Error("cancelled a connection that never started")
	}
	if len(h.l.disconnected) != 0 {
		t.Error("reported a disconnect for a session that never linked")
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", h.m.State(), StateDisconnected)
	}
}

func TestDisconnectWhenDoneWaitsForAcks(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
	h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})

	h.m.DisconnectWhenDone()
	if len(h.tr.cancels) != 0 {
		t.Fatal("disconnected with writes pending")
	}
	h.tr.ack(nil)
	h.sched.flush()
	if len(h.tr.cancels) != 0 {
		t.Fatal("disconnected with a write in flight")
	}
	h.tr.ack(nil)
	h.sched.flush()

	if len(h.tr.cancels) != 1 {
		t.Fatalf("cancels = %v, want [X]", h.tr.cancels)
	}
	if h.m.State() != StateDisconnected || h.m.Reason() != ReasonRequested {
		t.Errorf("State() = %v Reason() = %v, want disconnected/requested", h.m.State(), h.m.Reason())
	}
}

func TestDisconnectWhenDoneIdle(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.m.DisconnectWhenDone()
	if len(h.tr.cancels) != 1 {
		t.Errorf("cancels = %v, want immediate disconnect", h.tr.cancels)
	}
}

func TestDisconnectWhenDoneNotConnected(t *testing.T) {
	h := newHarness(t)
	_ = h.m.Discover()
	h.m.DisconnectWhenDone()
	if h.m.State() != StateIdle {
		t.Errorf("State() = %v, want %v", h.m.State(), StateIdle)
	}
}

func TestConnectReplacesExistingSession(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	old, _ := h.m.Session()

	_ = h.m.Connect("Y", nil)
	if len(h.tr.cancels) != 1 || h.tr.cancels[0] != "X" {
		t.Fatalf("cancels = %v, want [X]", h.tr.cancels)
	}
	h.sched.flush()

	if len(h.l.disconnected) != 1 {
		t.Fatalf("disconnected events = %d, want 1", len(h.l.disconnected))
	}
	ev := h.l.disconnected[0]
	if ev.session.ID != old.ID || ev.reason != ReasonRequested {
		t.Errorf("disconnected = %+v, want old session requested", ev)
	}
	if h.m.State() != StateScanning {
		t.Errorf("State() = %v, want %v", h.m.State(), StateScanning)
	}
	if h.m.Remembered() != "Y" {
		t.Errorf("Remembered() = %q, want Y", h.m.Remembered())
	}
}

func TestUnpairForgetsIdentity(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.m.Unpair()
	h.sched.flush()
	if h.m.Remembered() != "" {
		t.Errorf("Remembered() = %q, want empty", h.m.Remembered())
	}
	if h.m.State() != StateDisconnected {
		t.Errorf("State() = %v, want %v", h.m.State(), StateDisconnected)
	}
}

func TestValuesForwardedFromKnownCharacteristics(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")

	h.tr.handler.ValueUpdated(ReadCharUUID, []byte{0x02, 0x01})
	h.tr.handler.ValueUpdated("0000180f-0000-1000-8000-00805f9b34fb", []byte{0x64})
	h.sched.flush()

	if len(h.l.values) != 1 {
		t.Fatalf("values = %d, want 1", len(h.l.values))
	}
	if !bytes.Equal(h.l.values[0].data, []byte{0x02, 0x01}) {
		t.Errorf("value = % x", h.l.values[0].data)
	}
}

func TestServicesInvalidatedRediscovers(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.tr.handler.ServicesInvalidated()
	h.sched.flush()
	if len(h.tr.discovers) != 2 || h.tr.discovers[1] != ServiceUUID {
		t.Errorf("discovers = %v, want rediscovery of the service", h.tr.discovers)
	}
}

func TestStaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.tr.handler.Connected("Y")
	h.tr.handler.ConnectFailed("Y", errors.New("x"))
	h.tr.handler.Disconnected("Y", nil)
	h.sched.flush()
	if h.m.State() != StateReady {
		t.Errorf("State() = %v, want %v", h.m.State(), StateReady)
	}
}

func TestScanErrorFailsConnect(t *testing.T) {
	h := newHarness(t)
	h.tr.scanErr = errors.New("adapter off")
	res := &connectResults{}
	if err := h.m.Connect("X", res.cb); err == nil {
		t.Fatal("Connect() error = nil, want scan error")
	}
	if len(res.calls) != 1 || res.calls[0] {
		t.Errorf("callback calls = %v, want [false]", res.calls)
	}
}

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	done := make(chan []int, 1)
	var order []int
	for i := 0; i < 5; i++ {
		l.Post(func() { order = append(order, i) })
	}
	l.Post(func() { done <- order })

	select {
	case got := <-done:
		for i, v := range got {
			if v != i {
				t.Fatalf("order = %v", got)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run tasks")
	}
}

func TestLoopTimerStop(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	tm := l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
	if !tm.Stop() {
		t.Fatal("Stop() = false on pending timer")
	}
	if tm.Stop() {
		t.Error("second Stop() = true")
	}

	ran := make(chan struct{})
	l.AfterFunc(40*time.Millisecond, func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-fired:
		t.Error("stopped timer fired")
	default:
	}
}

func TestStaleWriteAckIgnoredAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
	stale := h.tr.writes[0].tag

	h.tr.handler.Disconnected("X", errors.New("link lost"))
	h.sched.flush()

	h.connectReady("X")
	h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
	h.m.Enqueue(Request{Command: protocol.StartStop{Run: true}, WithResponse: true})
	if len(h.tr.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(h.tr.writes))
	}

	h.tr.handler.WriteAcked(stale, nil)
	h.sched.flush()
	if len(h.tr.writes) != 2 {
		t.Fatalf("writes = %d after an ack from the previous link, want 2", len(h.tr.writes))
	}
	if h.m.QueueLen() != 2 {
		t.Errorf("QueueLen() = %d, want 2", h.m.QueueLen())
	}

	h.tr.ack(nil)
	h.sched.flush()
	if len(h.tr.writes) != 3 {
		t.Errorf("writes = %d after the current ack, want 3", len(h.tr.writes))
	}
}

func TestWriteTagsAreUnique(t *testing.T) {
	h := newHarness(t)
	h.connectReady("X")
	for i := 0; i < 3; i++ {
		h.m.Enqueue(Request{Command: protocol.GetParams{}, WithResponse: true})
		h.tr.ack(nil)
		h.sched.flush()
	}
	seen := make(map[uint64]bool)
	for _, w := range h.tr.writes {
		if seen[w.tag] {
			t.Fatalf("tag %d reused", w.tag)
		}
		seen[w.tag] = true
	}
}

func TestNameFilterDoesNotHideRememberedDevice(t *testing.T) {
	opts := DefaultOptions()
	opts.NameFilter = "Vent"
	h := newHarnessWithOptions(t, opts)
	res := &connectResults{}
	if err := h.m.Connect("X", res.cb); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	h.tr.advertise("X", "", -70)
	h.sched.flush()
	if len(h.tr.connects) != 1 || h.tr.connects[0] != "X" {
		t.Fatalf("connects = %v, want [X]", h.tr.connects)
	}
	if h.m.State() != StateConnecting {
		t.Errorf("State() = %v, want %v", h.m.State(), StateConnecting)
	}
}
