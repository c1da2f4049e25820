package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/juju/loggo"
)

var attendanceLogger = loggo.GetLogger("attendance")

// serverErrorMessage is what the device shows when the API could not be
// reached or gave an answer that made no sense.
const serverErrorMessage = "Server error"

// AttendanceRecord is what the API returns for a recorded scan.
type AttendanceRecord struct {
	EmployeeName string `json:"employee_name"`
	Time         string `json:"time"`
	Action       string `json:"action"`
}

// RejectedError is a business failure reported by the API, such as an
// unknown fingerprint. The message is meant for the device display.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// AttendanceClient talks to the attendance endpoint of the HRIS API.
type AttendanceClient struct {
	baseURL string
	http    *http.Client
}

// NewAttendanceClient returns a client for the API at baseURL. Every call
// is bounded by timeout.
func NewAttendanceClient(baseURL string, timeout time.Duration) *AttendanceClient {
	return &AttendanceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Record stores one attendance mark for the employee enrolled under id.
func (c *AttendanceClient) Record(ctx context.Context, id int, a Action) (AttendanceRecord, error) {
	req := struct {
		FingerprintID int    `json:"fingerprint_id"`
		Action        string `json:"action"`
	}{id, a.String()}

	resp, err := postJSON(ctx, c.http, c.baseURL+"/attendance/fingerprint", req)
	if err != nil {
		return AttendanceRecord{}, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "Attendance rejected"
		}
		return AttendanceRecord{}, &RejectedError{Message: msg}
	}

	var rec AttendanceRecord
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &rec); err != nil {
			return AttendanceRecord{}, fmt.Errorf("attendance data: %w", err)
		}
	}
	if rec.Action == "" {
		rec.Action = a.String()
	}
	return rec, nil
}

type attendanceRecorder interface {
	Record(ctx context.Context, id int, a Action) (AttendanceRecord, error)
}

type deviceWriter interface {
	Send(msg string)
}

// Dispatcher turns scans into attendance records and acknowledges each
// one on the device. Every scan results in exactly one API call; failed
// calls are reported, never retried.
type Dispatcher struct {
	api     attendanceRecorder
	device  deviceWriter
	events  Broadcaster
	metrics *appMetrics
}

func newDispatcher(api attendanceRecorder, device deviceWriter, events Broadcaster, m *appMetrics) *Dispatcher {
	if m == nil {
		m = registerMetrics()
	}
	return &Dispatcher{api: api, device: device, events: events, metrics: m}
}

// HandleScan implements ScanHandler.
func (d *Dispatcher) HandleScan(ev ScanEvent) {
	rec, err := d.api.Record(context.Background(), ev.FingerprintID, ev.Action)
	if err != nil {
		d.metrics.AttendanceFailed.Inc(1)
		msg := serverErrorMessage
		var rej *RejectedError
		if errors.As(err, &rej) {
			msg = rej.Message
			attendanceLogger.Infof("fingerprint %d rejected: %v", ev.FingerprintID, rej.Message)
		} else {
			attendanceLogger.Errorf("fingerprint %d: %v", ev.FingerprintID, err)
		}
		d.device.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdAckError, Text: msg}))
		e := newEvent(EventError, msg).withFingerprint(ev.FingerprintID)
		e.Action = ev.Action.String()
		d.events.Broadcast(e)
		return
	}

	d.metrics.AttendanceRecorded.Inc(1)
	attendanceLogger.Infof("fingerprint %d: %v %v at %v", ev.FingerprintID, rec.EmployeeName, rec.Action, rec.Time)
	d.device.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdAckOK, Action: rec.Action, Text: rec.EmployeeName}))

	e := newEvent(EventAttendance, fmt.Sprintf("%v: %v", rec.EmployeeName, rec.Action)).withFingerprint(ev.FingerprintID)
	e.EmployeeName = rec.EmployeeName
	e.Action = rec.Action
	e.Time = rec.Time
	d.events.Broadcast(e)
}
