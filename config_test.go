package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knakk/specs"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConfigDefaultsWithoutFile(t *testing.T) {
	s := specs.New(t)
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	s.ExpectNilFatal(err)
	s.Expect(*defaultConfig(), *cfg)
}

func TestConfigFromFile(t *testing.T) {
	s := specs.New(t)
	p := writeConfig(t, `
serial_port: /dev/ttyACM0
baud_rate: 115200
api_base_url: https://hris.example/api
api_timeout: 3s
reconnect_attempts: 0
log_levels: <root>=DEBUG
`)
	cfg, err := loadConfig(p, envMap(nil))
	s.ExpectNilFatal(err)
	s.Expect("/dev/ttyACM0", cfg.SerialPort)
	s.Expect(115200, cfg.BaudRate)
	s.Expect("https://hris.example/api", cfg.APIBaseURL)
	s.Expect(3*time.Second, cfg.APITimeout)
	s.Expect(uint(0), cfg.ReconnectAttempts)
	s.Expect("<root>=DEBUG", cfg.LogLevels)
	// Untouched keys keep their defaults.
	s.Expect("3001", cfg.HTTPPort)
	s.Expect(time.Second, cfg.ReconnectDelay)
}

func TestConfigEnvOverridesFile(t *testing.T) {
	s := specs.New(t)
	p := writeConfig(t, "serial_port: /dev/ttyACM0\nhttp_port: \"4000\"\n")
	cfg, err := loadConfig(p, envMap(map[string]string{
		EnvSerialPort: "tcp://10.0.0.5:4001",
		EnvBaudRate:   "57600",
		EnvBridgePort: "3005",
		EnvAPIBaseURL: "http://api:3000/api",
		EnvLogLevels:  "sensor=TRACE",
	}))
	s.ExpectNilFatal(err)
	s.Expect("tcp://10.0.0.5:4001", cfg.SerialPort)
	s.Expect(57600, cfg.BaudRate)
	s.Expect("3005", cfg.HTTPPort)
	s.Expect("http://api:3000/api", cfg.APIBaseURL)
	s.Expect("sensor=TRACE", cfg.LogLevels)
}

func TestConfigErrors(t *testing.T) {
	var tests = []struct {
		name string
		file string
		env  map[string]string
	}{
		{"bad yaml", "serial_port: [", nil},
		{"bad baud env", "", map[string]string{EnvBaudRate: "fast"}},
		{"bad port", "http_port: abc", nil},
		{"relative api url", "api_base_url: localhost:3000", nil},
		{"zero baud", "baud_rate: 0", nil},
		{"no timeout", "api_timeout: 0s", nil},
		{"delays", "reconnect_delay: 10s\nreconnect_max_delay: 1s", nil},
	}
	for _, tt := range tests {
		if _, err := loadConfig(writeConfig(t, tt.file), envMap(tt.env)); err == nil {
			t.Errorf("%s: loadConfig succeeded; want error", tt.name)
		}
	}
}

func TestConfigLink(t *testing.T) {
	s := specs.New(t)
	cfg := defaultConfig()
	l := cfg.link()
	s.Expect(cfg.SerialPort, l.Path)
	s.Expect(cfg.BaudRate, l.Baud)
	s.Expect(cfg.ReconnectAttempts, l.ReconnectAttempts)
	s.Expect(cfg.ReconnectMaxDelay, l.ReconnectMaxDelay)
	s.Expect(time.Minute, l.IdleRetry)
}
