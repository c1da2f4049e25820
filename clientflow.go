package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
)

var flowLogger = loggo.GetLogger("flow")

// Phase is where a client flow currently is.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseEnrolling  Phase = "enrolling"
	PhaseScanning   Phase = "scanning"
	PhaseSuccess    Phase = "success"
	PhaseError      Phase = "error"
	PhaseConfirming Phase = "confirming"
	PhaseConfirmed  Phase = "confirmed"
)

var (
	// ErrStreamClosed is returned when the status stream ends mid-flow.
	ErrStreamClosed = errors.New("status stream closed")
	// ErrNothingToRetry is returned by RetryConfirmation when the device
	// never reported a successful enrollment.
	ErrNothingToRetry = errors.New("no successful enrollment to confirm")
)

// EnrollmentError is a device-side enrollment failure.
type EnrollmentError struct {
	Message string
}

func (e *EnrollmentError) Error() string {
	return "enrollment failed: " + e.Message
}

type bridgeAPI interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
	SetMode(ctx context.Context, m Mode) error
	StartEnrollment(ctx context.Context, id int) error
	StartScan(ctx context.Context) error
}

type enrollmentConfirmer interface {
	ConfirmEnrollment(ctx context.Context, employeeID, fingerprintID int) error
}

type fingerprintVerifier interface {
	VerifyFingerprint(ctx context.Context, employeeID, fingerprintID int) error
}

// EmployeeAPI is the employee side of the HRIS API.
type EmployeeAPI struct {
	baseURL string
	http    *http.Client
}

func NewEmployeeAPI(baseURL string, timeout time.Duration) *EmployeeAPI {
	return &EmployeeAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ConfirmEnrollment stores the fingerprint-to-employee association.
func (a *EmployeeAPI) ConfirmEnrollment(ctx context.Context, employeeID, fingerprintID int) error {
	return a.call(ctx, "/fingerprint/enroll", employeeID, fingerprintID)
}

// VerifyFingerprint checks that fingerprintID belongs to employeeID.
func (a *EmployeeAPI) VerifyFingerprint(ctx context.Context, employeeID, fingerprintID int) error {
	return a.call(ctx, "/auth/fingerprint/verify", employeeID, fingerprintID)
}

func (a *EmployeeAPI) call(ctx context.Context, path string, employeeID, fingerprintID int) error {
	body := struct {
		EmployeeID    int `json:"employee_id"`
		FingerprintID int `json:"fingerprint_id"`
	}{employeeID, fingerprintID}

	resp, err := postJSON(ctx, a.http, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &RejectedError{Message: resp.Message}
	}
	return nil
}

// phaseTracker holds the phase of a flow and reports changes.
type phaseTracker struct {
	mu    sync.Mutex
	phase Phase

	// OnPhase, when set, is called on every change.
	OnPhase func(p Phase, msg string)
}

func (t *phaseTracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == "" {
		return PhaseIdle
	}
	return t.phase
}

func (t *phaseTracker) set(p Phase, msg string) {
	t.mu.Lock()
	t.phase = p
	fn := t.OnPhase
	t.mu.Unlock()

	flowLogger.Debugf("%v: %v", p, msg)
	if fn != nil {
		fn(p, msg)
	}
}

// awaitConnected consumes events until the bridge greets the subscriber.
func awaitConnected(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			if e.Type == EventConnected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type verdict int

const (
	pending verdict = iota
	succeeded
	failed
)

// alreadyRegistered matches firmware that reports an existing template
// only in free text.
func alreadyRegistered(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already registered")
}

// classifyEnrollEvent decides what e means for an enrollment of id.
func classifyEnrollEvent(e Event, id int) verdict {
	if e.FingerprintID != nil && *e.FingerprintID != id {
		return pending
	}
	switch e.Type {
	case EventEnroll:
		switch e.Outcome {
		case OutcomeSuccess:
			return succeeded
		case OutcomeError:
			if alreadyRegistered(e.Message) {
				return succeeded
			}
			return failed
		case OutcomeCancelled:
			return failed
		}
	case EventSystem:
		if alreadyRegistered(e.Message) {
			return succeeded
		}
	case EventError:
		// Attendance failures carry the scan action; they are not ours.
		if e.Action != "" {
			return pending
		}
		if alreadyRegistered(e.Message) {
			return succeeded
		}
		return failed
	}
	return pending
}

// EnrollmentFlow enrolls one fingerprint on the device and links it to
// an employee.
type EnrollmentFlow struct {
	phaseTracker
	EmployeeID    int
	FingerprintID int

	bridge    bridgeAPI
	employees enrollmentConfirmer

	// Set once the device has reported success, so that a failed
	// confirmation can be retried on its own.
	enrolled bool
}

func NewEnrollmentFlow(bridge bridgeAPI, employees enrollmentConfirmer, employeeID, fingerprintID int) *EnrollmentFlow {
	return &EnrollmentFlow{
		EmployeeID:    employeeID,
		FingerprintID: fingerprintID,
		bridge:        bridge,
		employees:     employees,
	}
}

// Run drives the whole enrollment: start it on the device, wait for the
// result and confirm it with the employee API.
func (f *EnrollmentFlow) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := f.bridge.Subscribe(ctx)
	if err != nil {
		f.set(PhaseError, err.Error())
		return err
	}
	if err := awaitConnected(ctx, events); err != nil {
		f.set(PhaseError, err.Error())
		return err
	}

	f.set(PhaseEnrolling, fmt.Sprintf("Place finger on sensor for fingerprint ID %d", f.FingerprintID))
	if err := f.bridge.StartEnrollment(ctx, f.FingerprintID); err != nil {
		f.set(PhaseError, err.Error())
		return err
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				f.set(PhaseError, ErrStreamClosed.Error())
				return ErrStreamClosed
			}
			switch classifyEnrollEvent(e, f.FingerprintID) {
			case succeeded:
				f.enrolled = true
				f.set(PhaseSuccess, e.Message)
				return f.confirm(ctx)
			case failed:
				f.set(PhaseError, e.Message)
				return &EnrollmentError{Message: e.Message}
			}
		case <-ctx.Done():
			f.set(PhaseError, ctx.Err().Error())
			return ctx.Err()
		}
	}
}

// RetryConfirmation repeats only the confirmation call after it failed.
func (f *EnrollmentFlow) RetryConfirmation(ctx context.Context) error {
	if !f.enrolled || f.Phase() != PhaseError {
		return ErrNothingToRetry
	}
	return f.confirm(ctx)
}

func (f *EnrollmentFlow) confirm(ctx context.Context) error {
	f.set(PhaseConfirming, "Saving fingerprint")
	if err := f.employees.ConfirmEnrollment(ctx, f.EmployeeID, f.FingerprintID); err != nil {
		f.set(PhaseError, err.Error())
		return fmt.Errorf("confirm enrollment: %w", err)
	}
	if err := f.bridge.SetMode(ctx, ModeAttendance); err != nil {
		flowLogger.Warningf("could not return bridge to %v: %v", ModeAttendance, err)
	}
	f.set(PhaseConfirmed, fmt.Sprintf("Fingerprint ID %d linked to employee %d", f.FingerprintID, f.EmployeeID))
	return nil
}

// TwoFactorFlow asks for a scan and verifies it belongs to an employee.
// The bridge records that scan as attendance like any other.
type TwoFactorFlow struct {
	phaseTracker
	EmployeeID int

	bridge   bridgeAPI
	verifier fingerprintVerifier
}

func NewTwoFactorFlow(bridge bridgeAPI, verifier fingerprintVerifier, employeeID int) *TwoFactorFlow {
	return &TwoFactorFlow{EmployeeID: employeeID, bridge: bridge, verifier: verifier}
}

// Run returns the verified fingerprint id.
func (f *TwoFactorFlow) Run(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := f.bridge.Subscribe(ctx)
	if err != nil {
		f.set(PhaseError, err.Error())
		return 0, err
	}
	if err := awaitConnected(ctx, events); err != nil {
		f.set(PhaseError, err.Error())
		return 0, err
	}

	f.set(PhaseScanning, "Place finger on sensor")
	if err := f.bridge.StartScan(ctx); err != nil {
		f.set(PhaseError, err.Error())
		return 0, err
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				f.set(PhaseError, ErrStreamClosed.Error())
				return 0, ErrStreamClosed
			}
			if e.Type != EventScan || e.FingerprintID == nil {
				continue
			}
			id := *e.FingerprintID
			f.set(PhaseConfirming, fmt.Sprintf("Verifying fingerprint ID %d", id))
			if err := f.verifier.VerifyFingerprint(ctx, f.EmployeeID, id); err != nil {
				f.set(PhaseError, err.Error())
				return id, fmt.Errorf("verify fingerprint: %w", err)
			}
			f.set(PhaseConfirmed, "Fingerprint verified")
			return id, nil
		case <-ctx.Done():
			f.set(PhaseError, ctx.Err().Error())
			return 0, ctx.Err()
		}
	}
}
