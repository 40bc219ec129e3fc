package ble

import (
	"cmp"
	"slices"
)

// Scanner collects the devices seen during one scan pass. The first
// advertisement of a device fixes its signal strength for the pass; later
// advertisements of the same device are ignored.
type Scanner struct {
	seen    map[string]struct{}
	devices []Device
}

// NewScanner returns an empty Scanner.
func NewScanner() *Scanner {
	return &Scanner{seen: make(map[string]struct{})}
}

// Reset starts a new pass.
func (s *Scanner) Reset() {
	clear(s.seen)
	s.devices = s.devices[:0]
}

// Observe records a sighting. It reports false for a device already seen in
// this pass.
func (s *Scanner) Observe(d Device) bool {
	if _, ok := s.seen[d.ID]; ok {
		return false
	}
	s.seen[d.ID] = struct{}{}
	s.devices = append(s.devices, d)
	return true
}

// Len returns the number of distinct devices seen in this pass.
func (s *Scanner) Len() int {
	return len(s.devices)
}

// Ranked returns a copy of the pass, strongest signal first.
func (s *Scanner) Ranked() []Device {
	return RankBySignal(s.devices)
}

// RankBySignal returns a copy of devices sorted by signal strength,
// strongest first. Equal strengths keep their input order.
func RankBySignal(devices []Device) []Device {
	ranked := slices.Clone(devices)
	slices.SortStableFunc(ranked, compareSignal)
	return ranked
}

func compareSignal(a, b Device) int {
	return cmp.Compare(b.RSSI, a.RSSI)
}
