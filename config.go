package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding the config file.
const (
	EnvSerialPort = "SERIAL_PORT"
	EnvBaudRate   = "BAUD_RATE"
	EnvBridgePort = "BRIDGE_PORT"
	EnvAPIBaseURL = "API_BASE_URL"
	EnvLogLevels  = "LOG_LEVELS"
)

type config struct {
	// Serial device of the sensor, or tcp://host:port for a network bridge
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	// Listening port of the control plane and push channels
	HTTPPort string `yaml:"http_port"`

	// Base URL of the HRIS API, ex: http://localhost:3000/api
	APIBaseURL string        `yaml:"api_base_url"`
	APITimeout time.Duration `yaml:"api_timeout"`

	// Reopening the sensor after it goes away. Zero attempts disables it.
	ReconnectAttempts uint          `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	// Pause before another round once every attempt has failed
	ReconnectIdle time.Duration `yaml:"reconnect_idle"`

	// Log errors & warnings to this file
	ErrorLogFile string `yaml:"error_log_file"`

	// loggo specification, ex: <root>=WARNING;sensor=DEBUG
	LogLevels string `yaml:"log_levels"`

	// Browser origin allowed to call the bridge; empty allows all
	AllowedOrigin string `yaml:"allowed_origin"`
}

func defaultConfig() *config {
	return &config{
		SerialPort:        "/dev/ttyUSB0",
		BaudRate:          9600,
		HTTPPort:          "3001",
		APIBaseURL:        "http://localhost:3000/api",
		APITimeout:        10 * time.Second,
		ReconnectAttempts: 10,
		ReconnectDelay:    time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		ReconnectIdle:     time.Minute,
		ErrorLogFile:      "errors.log",
		LogLevels:         "<root>=WARNING;main=INFO;sensor=INFO;hub=INFO;http=INFO;attendance=INFO",
	}
}

// fromFile overlays the YAML file on c. Keys missing from the file keep
// their current values.
func (c *config) fromFile(file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}
	return nil
}

// fromEnv applies environment overrides using lookup, usually os.LookupEnv.
func (c *config) fromEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSerialPort); ok && v != "" {
		c.SerialPort = v
	}
	if v, ok := lookup(EnvBaudRate); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBaudRate, err)
		}
		c.BaudRate = n
	}
	if v, ok := lookup(EnvBridgePort); ok && v != "" {
		c.HTTPPort = v
	}
	if v, ok := lookup(EnvAPIBaseURL); ok && v != "" {
		c.APIBaseURL = v
	}
	if v, ok := lookup(EnvLogLevels); ok && v != "" {
		c.LogLevels = v
	}
	return nil
}

func (c *config) validate() error {
	var errs []error
	if c.SerialPort == "" {
		errs = append(errs, errors.New("serial_port is required"))
	}
	if c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", c.BaudRate))
	}
	if n, err := strconv.Atoi(c.HTTPPort); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("http_port %q is not a valid port", c.HTTPPort))
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q is not an absolute URL", c.APIBaseURL))
	}
	if c.APITimeout <= 0 {
		errs = append(errs, errors.New("api_timeout must be positive"))
	}
	if c.ReconnectMaxDelay < c.ReconnectDelay {
		errs = append(errs, errors.New("reconnect_max_delay must not be less than reconnect_delay"))
	}
	return errors.Join(errs...)
}

// loadConfig builds the effective configuration: defaults, then the file
// if there is one, then the environment.
func loadConfig(file string, lookup func(string) (string, bool)) (*config, error) {
	c := defaultConfig()
	if err := c.fromFile(file); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logger.Warningf("No %v file found, using standard values", file)
	}
	if err := c.fromEnv(lookup); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *config) link() linkConfig {
	return linkConfig{
		Path:              c.SerialPort,
		Baud:              c.BaudRate,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectMaxDelay: c.ReconnectMaxDelay,
		IdleRetry:         c.ReconnectIdle,
	}
}
