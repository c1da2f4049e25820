package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/loggo"
)

// Mode is the operating mode of the sensor.
type Mode string

const (
	ModeAttendance Mode = "ATTENDANCE"
	ModeEnrollment Mode = "ENROLLMENT"
)

// ErrInvalidMode is returned when asked to switch to an unknown mode.
var ErrInvalidMode = errors.New("invalid mode")

var modeLogger = loggo.GetLogger("mode")

func (m Mode) valid() bool {
	return m == ModeAttendance || m == ModeEnrollment
}

// ParseMode accepts a mode name in any case.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// ModeListener is called after every successful transition.
type ModeListener func(newMode, oldMode Mode)

// ListenerID identifies a registered ModeListener.
type ListenerID int

type modeListener struct {
	id ListenerID
	fn ModeListener
}

// ModeManager holds the single sensor mode of the process. Create one in
// main and hand it to whoever needs it.
//
// Listeners are invoked synchronously from SetMode, after the new value
// is stored. They must not call SetMode themselves.
type ModeManager struct {
	transition sync.Mutex // serializes SetMode

	mu   sync.RWMutex
	mode Mode

	lmu       sync.Mutex
	listeners []modeListener
	nextID    ListenerID
}

// NewModeManager returns a manager in ATTENDANCE mode.
func NewModeManager() *ModeManager {
	return &ModeManager{mode: ModeAttendance}
}

// Mode returns the current mode.
func (m *ModeManager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetMode switches to target and notifies listeners. It does not skip
// transitions to the mode already set; callers wanting that must check
// Mode first.
func (m *ModeManager) SetMode(target Mode) error {
	if !target.valid() {
		modeLogger.Warningf("rejected mode %q", target)
		return fmt.Errorf("%w: %q", ErrInvalidMode, target)
	}

	m.transition.Lock()
	defer m.transition.Unlock()

	m.mu.Lock()
	old := m.mode
	m.mode = target
	m.mu.Unlock()

	modeLogger.Infof("mode %v -> %v", old, target)

	m.lmu.Lock()
	ls := make([]modeListener, len(m.listeners))
	copy(ls, m.listeners)
	m.lmu.Unlock()

	for _, l := range ls {
		m.notify(l, target, old)
	}
	return nil
}

func (m *ModeManager) notify(l modeListener, newMode, oldMode Mode) {
	defer func() {
		if r := recover(); r != nil {
			modeLogger.Errorf("mode listener %d panicked: %v", l.id, r)
		}
	}()
	l.fn(newMode, oldMode)
}

// EnableEnrollmentMode switches to ENROLLMENT.
func (m *ModeManager) EnableEnrollmentMode() {
	m.SetMode(ModeEnrollment)
}

// EnableAttendanceMode switches to ATTENDANCE.
func (m *ModeManager) EnableAttendanceMode() {
	m.SetMode(ModeAttendance)
}

// IsEnrollmentMode reports whether the sensor is enrolling.
func (m *ModeManager) IsEnrollmentMode() bool { return m.Mode() == ModeEnrollment }

// IsAttendanceMode reports whether the sensor is taking attendance scans.
func (m *ModeManager) IsAttendanceMode() bool { return m.Mode() == ModeAttendance }

// AddListener registers fn and returns an id for RemoveListener.
func (m *ModeManager) AddListener(fn ModeListener) ListenerID {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.nextID++
	m.listeners = append(m.listeners, modeListener{id: m.nextID, fn: fn})
	return m.nextID
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (m *ModeManager) RemoveListener(id ListenerID) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}
