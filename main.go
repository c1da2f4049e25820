package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("main")

const usage = `Usage: fingerprint-bridge [command] [flags]

Commands:
  serve    run the bridge (default)
  enroll   enroll a fingerprint for an employee through a running bridge
  verify   verify an employee's fingerprint through a running bridge
  ports    list serial ports
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(args)
	case "enroll":
		err = enroll(args)
	case "verify":
		err = verify(args)
	case "ports":
		err = ports()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging applies the logger levels and copies warnings and errors
// to file.
func setupLogging(levels, file string) {
	if err := loggo.ConfigureLoggers(levels); err != nil {
		logger.Warningf("bad log_levels %q: %v", levels, err)
	}
	if file == "" {
		return
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warningf("cannot open error log: %v", err)
		return
	}
	err = loggo.RegisterWriter("file",
		loggo.NewMinimumLevelWriter(loggo.NewSimpleWriter(f, loggo.DefaultFormatter), loggo.WARNING))
	if err != nil {
		logger.Warningf("%v", err)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgFile := fs.String("config", "bridge.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgFile, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogging(cfg.LogLevels, cfg.ErrorLogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := registerMetrics()
	mode := NewModeManager()
	hub := newHub(mode, m.ClientsConnected)
	mode.AddListener(modeBroadcaster(hub))

	sensor := newSensor(cfg.link(), hub, m)
	sensor.SetScanHandler(newDispatcher(NewAttendanceClient(cfg.APIBaseURL, cfg.APITimeout), sensor, hub, m))
	srv := newServer(mode, sensor, hub, m, cfg.AllowedOrigin)

	// START SERVICES

	logger.Infof("Starting event hub")
	go hub.run()

	logger.Infof("Connecting to sensor at %v", cfg.SerialPort)
	if !sensor.Connect() {
		logger.Warningf("Running without a sensor, will keep trying to reach %v", cfg.SerialPort)
		sensor.requestReconnect()
	}
	go sensor.Supervise(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("Starting HTTP server, listening at port %v", cfg.HTTPPort)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Infof("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Stream handlers only return once the hub closes their queues.
		hub.Close()
		err = httpSrv.Shutdown(sctx)
	}
	sensor.Disconnect()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func clientFlags(name string, args []string) (fs *flag.FlagSet, bridge, api *string, employee *int, timeout *time.Duration) {
	fs = flag.NewFlagSet(name, flag.ExitOnError)
	bridge = fs.String("bridge", "http://localhost:3001", "bridge base URL")
	api = fs.String("api", envOr(EnvAPIBaseURL, "http://localhost:3000/api"), "HRIS API base URL")
	employee = fs.Int("employee", 0, "employee id")
	timeout = fs.Duration("timeout", 2*time.Minute, "give up after this long")
	return
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func printPhase(p Phase, msg string) {
	fmt.Printf("[%v] %v\n", p, msg)
}

func enroll(args []string) error {
	fs, bridge, api, employee, timeout := clientFlags("enroll", args)
	fingerprint := fs.Int("fingerprint", -1, "fingerprint id to enroll on the device")
	fs.Parse(args)
	if *employee <= 0 || *fingerprint < 0 {
		fs.Usage()
		return errors.New("enroll: -employee and -fingerprint are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	bc := NewBridgeClient(*bridge)
	f := NewEnrollmentFlow(bc, NewEmployeeAPI(*api, controlTimeout), *employee, *fingerprint)
	f.OnPhase = printPhase

	err := f.Run(ctx)
	in := bufio.NewReader(os.Stdin)
	for err != nil && f.enrolled && ctx.Err() == nil {
		fmt.Print("Retry confirmation? [y/N] ")
		ans, _ := in.ReadString('\n')
		if !strings.EqualFold(strings.TrimSpace(ans), "y") {
			break
		}
		err = f.RetryConfirmation(ctx)
	}
	if err != nil && !f.enrolled {
		// Leave the device scanning rather than stuck in enrollment.
		if cerr := bc.CancelEnrollment(context.Background()); cerr != nil {
			logger.Warningf("cancel enrollment: %v", cerr)
		}
	}
	return err
}

func verify(args []string) error {
	fs, bridge, api, employee, timeout := clientFlags("verify", args)
	fs.Parse(args)
	if *employee <= 0 {
		fs.Usage()
		return errors.New("verify: -employee is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	f := NewTwoFactorFlow(NewBridgeClient(*bridge), NewEmployeeAPI(*api, controlTimeout), *employee)
	f.OnPhase = printPhase
	_, err := f.Run(ctx)
	return err
}

func ports() error {
	list, err := ListPorts()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No serial ports found")
	}
	for _, p := range list {
		fmt.Println(p)
	}
	return nil
}
