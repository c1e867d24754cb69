// Package state holds everything the presentation layer renders: connection status,
// per-action busy flags, the output log, and the results of the latest test run.
// All writes go through methods that lock one mutex, so busy flags are updated per key
// and never overwritten from a stale copy.
package state

import (
	"errors"
	"sync"

	"github.com/g960059/devicebench/internal/metrics"
	"github.com/g960059/devicebench/internal/model"
	"github.com/g960059/devicebench/internal/screenshot"
)

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

type TestPhase string

const (
	PhaseIdle              TestPhase = "idle"
	PhaseDeltaPending      TestPhase = "delta_pending"
	PhaseScreenshotPending TestPhase = "screenshot_pending"
	PhaseCompleted         TestPhase = "completed"
	PhaseFailed            TestPhase = "failed"
)

const InitialOutput = "Connecting to backend..."

var (
	ErrBusy         = errors.New("action busy")
	ErrDisconnected = errors.New("backend disconnected")
)

type State struct {
	mu         sync.Mutex
	status     ConnectionStatus
	busy       map[string]bool
	output     string
	delta      *metrics.HardwareDelta
	shot       *screenshot.Ref
	device     *metrics.DeviceMetrics
	phase      TestPhase
	exclusive  string
	generation uint64
}

func New() *State {
	return &State{
		status:    StatusConnecting,
		busy:      map[string]bool{},
		output:    InitialOutput,
		phase:     PhaseIdle,
		exclusive: model.ActionRunTest,
	}
}

func (s *State) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SettleStatus moves the status out of connecting. Only the first call has an
// effect; it reports whether this call settled the status.
func (s *State) SettleStatus(status ConnectionStatus) bool {
	if status == StatusConnecting {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusConnecting {
		return false
	}
	s.status = status
	s.generation++
	return true
}

// Acquire marks action busy. The exclusive action (runTest) needs every flag to be
// clear; any other action needs its own flag and the exclusive flag clear.
func (s *State) Acquire(action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisconnected {
		return ErrDisconnected
	}
	if s.busy[action] {
		return ErrBusy
	}
	if action == s.exclusive {
		if s.anyBusyLocked() {
			return ErrBusy
		}
	} else if s.busy[s.exclusive] {
		return ErrBusy
	}
	s.busy[action] = true
	s.generation++
	return nil
}

func (s *State) Release(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy[action] {
		return
	}
	delete(s.busy, action)
	s.generation++
}

func (s *State) Busy(action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[action]
}

func (s *State) AnyBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anyBusyLocked()
}

func (s *State) anyBusyLocked() bool {
	for _, b := range s.busy {
		if b {
			return true
		}
	}
	return false
}

func (s *State) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *State) SetOutput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = text
	s.generation++
}

func (s *State) HardwareDelta() (metrics.HardwareDelta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delta == nil {
		return metrics.HardwareDelta{}, false
	}
	return s.delta.Clone(), true
}

// SetHardwareDelta replaces the current snapshot as a whole.
func (s *State) SetHardwareDelta(d metrics.HardwareDelta) {
	c := d.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delta = &c
	s.generation++
}

func (s *State) DeviceMetrics() (metrics.DeviceMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return metrics.DeviceMetrics{}, false
	}
	return *s.device, true
}

func (s *State) SetDeviceMetrics(m metrics.DeviceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = &m
	s.generation++
}

func (s *State) Screenshot() *screenshot.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shot
}

// ReplaceScreenshot installs ref as the live screenshot and releases the one it
// replaces. Installing the ref that is already live is a no-op.
func (s *State) ReplaceScreenshot(ref *screenshot.Ref) error {
	s.mu.Lock()
	prev := s.shot
	if prev == ref {
		s.mu.Unlock()
		return nil
	}
	s.shot = ref
	s.generation++
	s.mu.Unlock()
	return prev.Release()
}

func (s *State) TestPhase() TestPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *State) SetTestPhase(phase TestPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.generation++
}

// Close releases the live screenshot.
func (s *State) Close() error {
	s.mu.Lock()
	prev := s.shot
	s.shot = nil
	s.mu.Unlock()
	return prev.Release()
}

// Snapshot is a consistent copy of the state for rendering.
type Snapshot struct {
	Status        ConnectionStatus
	Busy          map[string]bool
	AnyBusy       bool
	Output        string
	HardwareDelta *metrics.HardwareDelta
	Screenshot    *screenshot.Ref
	DeviceMetrics *metrics.DeviceMetrics
	TestPhase     TestPhase
	Generation    uint64
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := make(map[string]bool, len(s.busy))
	for k, v := range s.busy {
		busy[k] = v
	}
	snap := Snapshot{
		Status:     s.status,
		Busy:       busy,
		AnyBusy:    s.anyBusyLocked(),
		Output:     s.output,
		Screenshot: s.shot,
		TestPhase:  s.phase,
		Generation: s.generation,
	}
	if s.delta != nil {
		c := s.delta.Clone()
		snap.HardwareDelta = &c
	}
	if s.device != nil {
		m := *s.device
		snap.DeviceMetrics = &m
	}
	return snap
}
