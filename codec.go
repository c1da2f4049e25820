package main

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is what an employee does with a scan.
type Action uint8

const (
	ClockIn Action = iota
	ClockOut
)

// String returns the wire token for the action.
func (a Action) String() string {
	if a == ClockOut {
		return "CLOCKOUT"
	}
	return "CLOCKIN"
}

func parseAction(tok string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(tok)) {
	case "", "CLOCKIN", "CLOCK_IN", "IN":
		return ClockIn, true
	case "CLOCKOUT", "CLOCK_OUT", "OUT":
		return ClockOut, true
	}
	return ClockIn, false
}

// EnrollStatus is the device-side state of an enrollment.
type EnrollStatus uint8

const (
	EnrollStarted EnrollStatus = iota
	EnrollSuccess
	EnrollError
	EnrollCancelled
)

func (s EnrollStatus) String() string {
	switch s {
	case EnrollStarted:
		return "STARTED"
	case EnrollSuccess:
		return "SUCCESS"
	case EnrollError:
		return "ERROR"
	case EnrollCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("EnrollStatus(%d)", uint8(s))
}

// outcome maps the status onto the Event.Outcome vocabulary.
func (s EnrollStatus) outcome() string {
	switch s {
	case EnrollStarted:
		return OutcomeStarted
	case EnrollSuccess:
		return OutcomeSuccess
	case EnrollCancelled:
		return OutcomeCancelled
	}
	return OutcomeError
}

// Command is a single line from the sensor, decoded.
type Command interface {
	command()
}

// ScanEvent is a recognized fingerprint read.
type ScanEvent struct {
	FingerprintID int
	Action        Action
}

// EnrollEvent reports progress of an enrollment on the device.
type EnrollEvent struct {
	Status EnrollStatus
	ID     int
	HasID  bool
	Detail string
}

// SystemEvent is an informational line from the device.
type SystemEvent struct {
	Text string
}

// ErrorEvent is an error reported by the device.
type ErrorEvent struct {
	Text string
}

// Unrecognized holds a line the codec could not make sense of.
type Unrecognized struct {
	Raw string
}

func (ScanEvent) command()    {}
func (EnrollEvent) command()  {}
func (SystemEvent) command()  {}
func (ErrorEvent) command()   {}
func (Unrecognized) command() {}

// Decode parses one line from the sensor. It never fails: anything it
// doesn't understand comes back as Unrecognized.
func Decode(line string) Command {
	s := strings.TrimSpace(line)
	tag, rest, found := strings.Cut(s, ":")
	if !found {
		return Unrecognized{Raw: s}
	}

	switch tag {
	case "FINGERPRINT":
		// Ex: FINGERPRINT:7 or FINGERPRINT:7:CLOCKOUT
		f := strings.Split(rest, ":")
		id, ok := parseID(f[0])
		if !ok {
			break
		}
		var tok string
		if len(f) > 1 {
			tok = f[1]
		}
		a, ok := parseAction(tok)
		if !ok {
			break
		}
		return ScanEvent{FingerprintID: id, Action: a}
	case "ENROLL":
		// Ex: ENROLL:SUCCESS:7 or ENROLL:ERROR:already registered
		status, arg, _ := strings.Cut(rest, ":")
		var ev EnrollEvent
		switch strings.TrimSpace(status) {
		case "STARTED":
			ev.Status = EnrollStarted
		case "SUCCESS":
			ev.Status = EnrollSuccess
		case "ERROR":
			ev.Status = EnrollError
		case "CANCELLED", "CANCEL":
			ev.Status = EnrollCancelled
		default:
			return Unrecognized{Raw: s}
		}
		arg = strings.TrimSpace(arg)
		if id, ok := parseID(arg); ok {
			ev.ID, ev.HasID = id, true
		} else {
			ev.Detail = arg
		}
		return ev
	case "SYSTEM":
		return SystemEvent{Text: strings.TrimSpace(rest)}
	case "ERROR":
		return ErrorEvent{Text: strings.TrimSpace(rest)}
	}

	return Unrecognized{Raw: s}
}

// parseID accepts only plain decimal digits, no sign.
func parseID(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return id, true
}

type deviceCmd uint8

const (
	cmdAckOK deviceCmd = iota
	cmdAckError
	cmdEnroll
	cmdEnrollCancel
	cmdDelete
)

// DeviceReq is a command going to the sensor.
type DeviceReq struct {
	Cmd    deviceCmd
	ID     int
	Action string
	Text   string
}

// EncodeDeviceReq renders r as a single newline-terminated line.
func EncodeDeviceReq(r DeviceReq) string {
	switch r.Cmd {
	case cmdAckOK:
		return "OK:" + oneLine(r.Action) + ":" + oneLine(r.Text) + "\n"
	case cmdAckError:
		return "ERROR:" + oneLine(r.Text) + "\n"
	case cmdEnroll:
		return "ENROLL:" + strconv.Itoa(r.ID) + "\n"
	case cmdEnrollCancel:
		return "ENROLL:CANCEL\n"
	case cmdDelete:
		return "DELETE:" + strconv.Itoa(r.ID) + "\n"
	}

	// This can never be reached, given all cases of r.Cmd are covered above:
	panic("EncodeDeviceReq does not handle all commands!")
}

// oneLine keeps free text from breaking the line protocol.
func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(strings.TrimSpace(s))
}
