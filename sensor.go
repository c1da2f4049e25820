package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/juju/loggo"
	"go.bug.st/serial"
)

var sensorLogger = loggo.GetLogger("sensor")

// ErrNotConnected is returned when writing to a sensor with no open port.
var ErrNotConnected = errors.New("sensor not connected")

// ScanHandler receives every recognized fingerprint scan.
type ScanHandler interface {
	HandleScan(ev ScanEvent)
}

// portOpener opens the device at path.
type portOpener func(path string, baud int) (io.ReadWriteCloser, error)

// openPort opens a local serial device, or dials it when path is a
// tcp:// address.
func openPort(path string, baud int) (io.ReadWriteCloser, error) {
	if addr, ok := strings.CutPrefix(path, tcpScheme); ok {
		return dialTCPPort(addr)
	}
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return p, nil
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

// defaultIdleRetry is the pause between rounds of reconnect attempts.
const defaultIdleRetry = time.Minute

type linkConfig struct {
	Path              string
	Baud              int
	ReconnectAttempts uint
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// Pause before starting over once all attempts have failed.
	IdleRetry time.Duration
}

// Sensor owns the connection to the fingerprint device. Incoming lines are
// decoded and fanned out; outgoing commands are written straight to the
// port, or dropped when there is none.
type Sensor struct {
	cfg     linkConfig
	open    portOpener
	events  Broadcaster
	scans   ScanHandler
	metrics *appMetrics

	mu   sync.Mutex
	port io.ReadWriteCloser

	// Signalled when the device goes away without Disconnect being called.
	lost chan struct{}
}

func newSensor(cfg linkConfig, events Broadcaster, m *appMetrics) *Sensor {
	if m == nil {
		m = registerMetrics()
	}
	return &Sensor{
		cfg:     cfg,
		open:    openPort,
		events:  events,
		metrics: m,
		lost:    make(chan struct{}, 1),
	}
}

// SetScanHandler must be called before Connect.
func (s *Sensor) SetScanHandler(h ScanHandler) {
	s.scans = h
}

// Connect opens the port. On failure it logs and returns false; the rest
// of the bridge keeps running without a device.
func (s *Sensor) Connect() bool {
	if err := s.connect(); err != nil {
		sensorLogger.Errorf("cannot connect to sensor: %v", err)
		return false
	}
	return true
}

func (s *Sensor) connect() error {
	if s.Connected() {
		return nil
	}
	// Opening may block for seconds; the lock is only taken to install
	// the handle so Send and Connected stay responsive meanwhile.
	p, err := s.open(s.cfg.Path, s.cfg.Baud)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.port != nil {
		s.mu.Unlock()
		p.Close()
		return nil
	}
	s.port = p
	s.mu.Unlock()

	sensorLogger.Infof("connected to %v at %d baud", s.cfg.Path, s.cfg.Baud)
	go s.reader(p)
	return nil
}

// Connected reports whether a port is currently open.
func (s *Sensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Disconnect closes the port if it is open.
func (s *Sensor) Disconnect() {
	s.mu.Lock()
	p := s.port
	s.port = nil
	s.mu.Unlock()

	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		sensorLogger.Warningf("close %v: %v", s.cfg.Path, err)
	}
	sensorLogger.Infof("disconnected from %v", s.cfg.Path)
}

// Send writes msg plus a newline to the device. Without an open port it
// does nothing.
func (s *Sensor) Send(msg string) {
	err := s.send(msg)
	switch {
	case errors.Is(err, ErrNotConnected):
		sensorLogger.Debugf("not connected, dropping %q", strings.TrimSpace(msg))
	case err != nil:
		sensorLogger.Warningf("%v", err)
	}
}

func (s *Sensor) send(msg string) error {
	line := strings.TrimRight(msg, "\r\n") + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	if _, err := io.WriteString(s.port, line); err != nil {
		return fmt.Errorf("write to %v: %w", s.cfg.Path, err)
	}
	sensorLogger.Infof("-> sensor: %v", strings.TrimSpace(line))
	return nil
}

// StartEnrollment tells the device to enroll a template under id.
func (s *Sensor) StartEnrollment(id int) {
	s.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdEnroll, ID: id}))
}

// CancelEnrollment aborts a running enrollment on the device.
func (s *Sensor) CancelEnrollment() {
	s.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdEnrollCancel}))
}

// DeleteFingerprint removes the template stored under id.
func (s *Sensor) DeleteFingerprint(id int) {
	s.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdDelete, ID: id}))
}

// reader reads lines from p until it fails. Meant to be run in its own
// goroutine, one per opened port.
func (s *Sensor) reader(p io.ReadWriteCloser) {
	r := bufio.NewReader(p)
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			s.dispatch(line)
		}
		if err != nil {
			s.portLost(p, err)
			return
		}
	}
}

func (s *Sensor) portLost(p io.ReadWriteCloser, err error) {
	s.mu.Lock()
	current := s.port == p
	if current {
		s.port = nil
	}
	s.mu.Unlock()

	if !current {
		// Closed by Disconnect.
		return
	}
	p.Close()
	sensorLogger.Errorf("lost sensor on %v: %v", s.cfg.Path, err)
	s.events.Broadcast(newEvent(EventError, "Device disconnected"))
	s.requestReconnect()
}

func (s *Sensor) requestReconnect() {
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *Sensor) dispatch(line string) {
	raw := strings.TrimSpace(line)
	sensorLogger.Infof("<- sensor: %v", raw)

	switch c := Decode(raw).(type) {
	case ScanEvent:
		s.metrics.ScansReceived.Inc(1)
		e := newEvent(EventScan, fmt.Sprintf("Fingerprint %d scanned (%v)", c.FingerprintID, c.Action))
		e = e.withFingerprint(c.FingerprintID)
		e.Action = c.Action.String()
		s.events.Broadcast(e)
		if s.scans != nil {
			go s.scans.HandleScan(c)
		}
	case EnrollEvent:
		e := newEvent(EventEnroll, enrollMessage(c))
		e.Outcome = c.Status.outcome()
		if c.HasID {
			e = e.withFingerprint(c.ID)
		}
		s.events.Broadcast(e)
	case SystemEvent:
		s.events.Broadcast(newEvent(EventSystem, c.Text))
	case ErrorEvent:
		s.events.Broadcast(newEvent(EventError, c.Text))
	case Unrecognized:
		s.metrics.UnrecognizedLines.Inc(1)
		sensorLogger.Warningf("dropping unrecognized line %q", c.Raw)
	}
}

func enrollMessage(c EnrollEvent) string {
	msg := "Enrollment " + c.Status.String()
	if c.HasID {
		msg += fmt.Sprintf(" for fingerprint ID %d", c.ID)
	}
	if c.Detail != "" {
		msg += ": " + c.Detail
	}
	return msg
}

// Supervise reopens the port whenever the device is lost. After the
// configured number of attempts it pauses for the idle retry interval and
// starts over. It returns when ctx is done, or at once if reconnecting is
// disabled.
func (s *Sensor) Supervise(ctx context.Context) {
	if s.cfg.ReconnectAttempts == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lost:
		}

		err := retry.Do(s.connect,
			retry.Attempts(s.cfg.ReconnectAttempts),
			retry.Delay(s.cfg.ReconnectDelay),
			retry.MaxDelay(s.cfg.ReconnectMaxDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				sensorLogger.Infof("reconnect attempt %d to %v failed: %v", n+1, s.cfg.Path, err)
			}))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sensorLogger.Errorf("giving up on %v for now: %v", s.cfg.Path, err)
			s.events.Broadcast(newEvent(EventError, "Device reconnect failed"))
			go s.rearm(ctx)
			continue
		}
		s.metrics.DeviceReconnects.Inc(1)
		s.events.Broadcast(newEvent(EventSystem, "Device reconnected"))
	}
}

// rearm asks Supervise for another round of attempts after a pause, so a
// device plugged in later is still picked up.
func (s *Sensor) rearm(ctx context.Context) {
	t := time.NewTimer(s.idleRetry())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		if !s.Connected() {
			s.requestReconnect()
		}
	}
}

func (s *Sensor) idleRetry() time.Duration {
	if s.cfg.IdleRetry > 0 {
		return s.cfg.IdleRetry
	}
	return defaultIdleRetry
}
