package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knakk/specs"
)

// fakeDevice records everything sent to it and stands in for the Sensor.
type fakeDevice struct {
	mu        sync.Mutex
	sent      []string
	connected bool

	// Called from StartEnrollment when set.
	onEnroll func(id int)
}

func (d *fakeDevice) Send(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
}

func (d *fakeDevice) StartEnrollment(id int) {
	d.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdEnroll, ID: id}))
	d.mu.Lock()
	fn := d.onEnroll
	d.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (d *fakeDevice) setConnected(c bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = c
}

func (d *fakeDevice) setOnEnroll(fn func(id int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEnroll = fn
}

func (d *fakeDevice) CancelEnrollment() {
	d.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdEnrollCancel}))
}

func (d *fakeDevice) DeleteFingerprint(id int) {
	d.Send(EncodeDeviceReq(DeviceReq{Cmd: cmdDelete, ID: id}))
}

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// newAttendanceAPI fakes the HRIS attendance endpoint. It counts calls
// and answers with status and body.
func newAttendanceAPI(t *testing.T, status int, body string, calls *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/api/attendance/fingerprint" {
			t.Errorf("got %v %v; want POST /api/attendance/fingerprint", r.Method, r.URL.Path)
		}
		var req struct {
			FingerprintID int    `json:"fingerprint_id"`
			Action        string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("undecodable request: %v", err)
		}
		if req.FingerprintID != 7 || req.Action != "CLOCKIN" {
			t.Errorf("request => %+v; want fingerprint 7 CLOCKIN", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dispatchOne(api attendanceRecorder) (*fakeDevice, *eventRecorder, *appMetrics) {
	dev := &fakeDevice{}
	events := newEventRecorder()
	m := registerMetrics()
	newDispatcher(api, dev, events, m).HandleScan(ScanEvent{FingerprintID: 7, Action: ClockIn})
	return dev, events, m
}

func TestDispatcherRecordsAttendance(t *testing.T) {
	s := specs.New(t)
	var calls int32
	api := newAttendanceAPI(t, http.StatusOK,
		`{"success":true,"data":{"employee_name":"Jane Doe","time":"08:01","action":"CLOCKIN"}}`, &calls)

	dev, events, m := dispatchOne(NewAttendanceClient(api.URL+"/api/", time.Second))

	want := []string{"OK:CLOCKIN:Jane Doe\n"}
	if got := dev.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("device got %q; want %q", got, want)
	}
	e := events.next(t)
	s.Expect(EventAttendance, e.Type)
	s.Expect("Jane Doe", e.EmployeeName)
	s.Expect("CLOCKIN", e.Action)
	s.Expect("08:01", e.Time)
	s.Expect(7, *e.FingerprintID)
	events.expectNone(t, 10*time.Millisecond)

	s.Expect(int32(1), atomic.LoadInt32(&calls))
	s.Expect(int64(1), m.AttendanceRecorded.Count())
	s.Expect(int64(0), m.AttendanceFailed.Count())
}

func TestDispatcherReportsRejection(t *testing.T) {
	s := specs.New(t)
	var calls int32
	api := newAttendanceAPI(t, http.StatusNotFound,
		`{"success":false,"message":"Fingerprint not registered"}`, &calls)

	dev, events, m := dispatchOne(NewAttendanceClient(api.URL+"/api", time.Second))

	want := []string{"ERROR:Fingerprint not registered\n"}
	if got := dev.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("device got %q; want %q", got, want)
	}
	e := events.next(t)
	s.Expect(EventError, e.Type)
	s.Expect("Fingerprint not registered", e.Message)
	s.Expect(int32(1), atomic.LoadInt32(&calls))
	s.Expect(int64(1), m.AttendanceFailed.Count())
}

func TestDispatcherServerErrors(t *testing.T) {
	var tests = []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("<html>Bad gateway</html>"))
		}},
		{"connection dropped", func(w http.ResponseWriter, r *http.Request) {
			c, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				c.Close()
			}
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}},
	}

	for _, tt := range tests {
		var calls int32
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			tt.handler(w, r)
		}))

		dev, events, m := dispatchOne(NewAttendanceClient(api.URL+"/api", 100*time.Millisecond))

		want := []string{"ERROR:Server error\n"}
		if got := dev.messages(); !reflect.DeepEqual(got, want) {
			t.Errorf("%s: device got %q; want %q", tt.name, got, want)
		}
		e := events.next(t)
		if e.Type != EventError || e.Message != "Server error" {
			t.Errorf("%s: event => %v %q; want error \"Server error\"", tt.name, e.Type, e.Message)
		}
		events.expectNone(t, 10*time.Millisecond)
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Errorf("%s: %d attendance calls; want exactly 1", tt.name, n)
		}
		if m.AttendanceFailed.Count() != 1 {
			t.Errorf("%s: AttendanceFailed => %d; want 1", tt.name, m.AttendanceFailed.Count())
		}
		api.Close()
	}
}

func TestDispatcherUnreachableAPI(t *testing.T) {
	api := httptest.NewServer(http.NotFoundHandler())
	url := api.URL
	api.Close()

	dev, _, _ := dispatchOne(NewAttendanceClient(url, 100*time.Millisecond))
	want := []string{"ERROR:Server error\n"}
	if got := dev.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("device got %q; want %q", got, want)
	}
}

func TestAttendanceClientErrors(t *testing.T) {
	s := specs.New(t)
	var calls int32
	api := newAttendanceAPI(t, http.StatusOK, `{"success":false}`, &calls)

	_, err := NewAttendanceClient(api.URL+"/api", time.Second).Record(context.Background(), 7, ClockIn)
	var rej *RejectedError
	s.Expect(true, errors.As(err, &rej))
	s.Expect("Attendance rejected", rej.Message)
}

func TestAttendanceActionFallback(t *testing.T) {
	s := specs.New(t)
	var calls int32
	api := newAttendanceAPI(t, http.StatusOK, `{"success":true,"data":{"employee_name":"Jane Doe"}}`, &calls)

	rec, err := NewAttendanceClient(api.URL+"/api", time.Second).Record(context.Background(), 7, ClockIn)
	s.ExpectNil(err)
	s.Expect(AttendanceRecord{EmployeeName: "Jane Doe", Action: "CLOCKIN"}, rec)
}
