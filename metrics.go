package main

import (
	"io"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
)

type appMetrics struct {
	StartTime          time.Time
	PID                int
	ClientsConnected   metrics.Counter
	ScansReceived      metrics.Counter
	AttendanceRecorded metrics.Counter
	AttendanceFailed   metrics.Counter
	UnrecognizedLines  metrics.Counter
	DeviceReconnects   metrics.Counter

	registry metrics.Registry
}

type exportMetrics struct {
	UpTime             string `json:"uptime"`
	PID                int    `json:"pid"`
	ClientsConnected   int64  `json:"clients_connected"`
	ScansReceived      int64  `json:"scans_received"`
	AttendanceRecorded int64  `json:"attendance_recorded"`
	AttendanceFailed   int64  `json:"attendance_failed"`
}

func registerMetrics() *appMetrics {
	m := appMetrics{
		StartTime:          time.Now(),
		PID:                os.Getpid(),
		ClientsConnected:   metrics.NewCounter(),
		ScansReceived:      metrics.NewCounter(),
		AttendanceRecorded: metrics.NewCounter(),
		AttendanceFailed:   metrics.NewCounter(),
		UnrecognizedLines:  metrics.NewCounter(),
		DeviceReconnects:   metrics.NewCounter(),
		registry:           metrics.NewRegistry(),
	}

	m.registry.Register("ClientsConnected", m.ClientsConnected)
	m.registry.Register("ScansReceived", m.ScansReceived)
	m.registry.Register("AttendanceRecorded", m.AttendanceRecorded)
	m.registry.Register("AttendanceFailed", m.AttendanceFailed)
	m.registry.Register("UnrecognizedLines", m.UnrecognizedLines)
	m.registry.Register("DeviceReconnects", m.DeviceReconnects)

	return &m
}

func (m *appMetrics) Export() *exportMetrics {
	uptime := time.Since(m.StartTime).Round(time.Second)

	return &exportMetrics{
		UpTime:             uptime.String(),
		PID:                m.PID,
		ClientsConnected:   m.ClientsConnected.Count(),
		ScansReceived:      m.ScansReceived.Count(),
		AttendanceRecorded: m.AttendanceRecorded.Count(),
		AttendanceFailed:   m.AttendanceFailed.Count(),
	}
}

// WriteJSON dumps the whole registry.
func (m *appMetrics) WriteJSON(w io.Writer) {
	metrics.WriteJSONOnce(m.registry, w)
}
