package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chaz8081/ventpal/internal/ble"
	"github.com/chaz8081/ventpal/internal/ble/protocol"
	"github.com/chaz8081/ventpal/internal/config"
	"github.com/chaz8081/ventpal/internal/identity"
	"github.com/chaz8081/ventpal/internal/mqtt"
	"github.com/chaz8081/ventpal/internal/ventilator"
)

const usage = `usage: ventpal [flags] <command> [args]

commands:
  scan                     list nearby ventilators, strongest first
  get                      print the current settings
  set key=value ...        change settings (patient, tidal, ie, rate, height, gender)
  start                    start ventilation
  stop                     stop ventilation
  calibrate <steps>        move the drive by a signed number of steps
  vref <value>             set the motor driver reference voltage (0-255)
  unpair                   forget the paired ventilator

flags:
`

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ventpal/config.yaml)")
	deviceID := flag.String("device", "", "pair with this device instead of the remembered one")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote default config to", path)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := identity.Open(cfg.Identity.Backend, cfg.Identity.Path)
	if err != nil {
		log.Fatalf("identity store: %v", err)
	}
	defer store.Close()

	loop := ble.NewLoop()
	go loop.Run(ctx)

	transport := ble.NewTinygoTransport(cfg.Device.ReadUUID)
	ctrl := ventilator.New(ctx, transport, loop, store, cfg.VentilatorOptions())
	if err := ctrl.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nEnsure Bluetooth is on and this process may use it.", err)
	}

	cli := &app{ctrl: ctrl, events: ctrl.Events(), deviceID: *deviceID}

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.Dial(cfg.MQTTBridgeConfig())
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer client.Disconnect(250)

		bridged := make(chan ventilator.Event, cfg.EventsBuffer)
		cli.bridge = bridged
		go mqtt.NewBridge(client, cfg.MQTT.TopicPrefix).Run(ctx, bridged)
	}

	runCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := cli.run(runCtx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ventpal:", err)
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

// app runs one CLI command against the controller.
type app struct {
	ctrl     *ventilator.Controller
	events   <-chan ventilator.Event
	bridge   chan ventilator.Event // nil without a broker
	deviceID string
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "scan":
		return a.scan(ctx)
	case "unpair":
		a.ctrl.Unpair()
		fmt.Println("Paired ventilator forgotten")
		return nil
	case "get":
		if err := a.connect(ctx); err != nil {
			return err
		}
		s, err := a.readSettings(ctx)
		if err != nil {
			return err
		}
		printSettings(s)
		return a.finish(ctx)
	case "set":
		if len(args) == 0 {
			return errors.New("set: nothing to change")
		}
		if err := a.connect(ctx); err != nil {
			return err
		}
		s, err := a.readSettings(ctx)
		if err != nil {
			return err
		}
		if err := applySettings(&s, args); err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return err
		}
		a.ctrl.WriteSettings(s)
		printSettings(s)
		return a.finish(ctx)
	case "start", "stop":
		if err := a.connect(ctx); err != nil {
			return err
		}
		if cmd == "start" {
			a.ctrl.Start()
		} else {
			a.ctrl.Stop()
		}
		return a.finish(ctx)
	case "calibrate":
		if len(args) != 1 {
			return errors.New("calibrate: expected a step count")
		}
		steps, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
		if err := a.connect(ctx); err != nil {
			return err
		}
		a.ctrl.Calibrate(int32(steps))
		return a.finish(ctx)
	case "vref":
		if len(args) != 1 {
			return errors.New("vref: expected a value")
		}
		v, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("vref: %w", err)
		}
		if err := a.connect(ctx); err != nil {
			return err
		}
		a.ctrl.SetVref(uint8(v))
		return a.finish(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) scan(ctx context.Context) error {
	if err := a.ctrl.Discover(); err != nil {
		return err
	}
	ev, err := a.await(ctx, ventilator.EventDevicesDiscovered)
	if err != nil {
		a.ctrl.StopScan()
		return err
	}
	for _, d := range ev.Devices {
		fmt.Printf("%-40s %4d dBm  %s\n", d.ID, d.RSSI, d.Name)
	}
	return nil
}

// connect pairs with -device, or reconnects to the remembered ventilator,
// and waits until commands can be sent.
func (a *app) connect(ctx context.Context) error {
	done := make(chan bool, 1)
	cb := func(ok bool) { done <- ok }

	var err error
	if a.deviceID != "" {
		err = a.ctrl.Connect(a.deviceID, cb)
	} else {
		err = a.ctrl.Reconnect(cb)
	}
	if errors.Is(err, ventilator.ErrNotPaired) {
		return fmt.Errorf("%w: run 'ventpal scan' then pass -device", err)
	}
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			a.ctrl.Disconnect()
			return fmt.Errorf("connect: %w", ctx.Err())
		case ok := <-done:
			if !ok {
				return errors.New("connect: could not reach the ventilator")
			}
			return nil
		case ev, ok := <-a.events:
			if !ok {
				return errors.New("event stream closed")
			}
			a.observe(ev)
		}
	}
}

func (a *app) readSettings(ctx context.Context) (protocol.Settings, error) {
	a.ctrl.GetSettings()
	ev, err := a.await(ctx, ventilator.EventSettingsReceived)
	if err != nil {
		return protocol.Settings{}, err
	}
	return ev.Settings, nil
}

// finish disconnects once every command has been acknowledged.
func (a *app) finish(ctx context.Context) error {
	a.ctrl.DisconnectWhenDone()
	_, err := a.await(ctx, ventilator.EventDisconnected)
	return err
}

// await returns the next event of kind. A Disconnected event while waiting
// for something else ends the wait with its error.
func (a *app) await(ctx context.Context, kind ventilator.EventKind) (ventilator.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return ventilator.Event{}, fmt.Errorf("waiting for %s: %w", kind, ctx.Err())
		case ev, ok := <-a.events:
			if !ok {
				return ventilator.Event{}, errors.New("event stream closed")
			}
			a.observe(ev)
			if ev.Kind == kind {
				return ev, ev.Err()
			}
			if ev.Kind == ventilator.EventDisconnected {
				if err := ev.Err(); err != nil {
					return ventilator.Event{}, err
				}
				return ventilator.Event{}, fmt.Errorf("disconnected while waiting for %s", kind)
			}
		}
	}
}

// observe logs ev and forwards it to the MQTT bridge, if any.
func (a *app) observe(ev ventilator.Event) {
	switch ev.Kind {
	case ventilator.EventConnected:
		fmt.Printf("Connected to %s\n", ev.Device.ID)
	case ventilator.EventFaultDetected:
		fmt.Fprintln(os.Stderr, "WARNING: ventilator reported a fault")
	}
	if a.bridge == nil {
		return
	}
	select {
	case a.bridge <- ev:
	default:
		slog.Warn("[MQTT] bridge backlog full, dropping event", "kind", ev.Kind)
	}
}

func printSettings(s protocol.Settings) {
	fmt.Println("=== ventilator settings ===")
	fmt.Printf("  Patient:       %d\n", s.PatientID)
	fmt.Printf("  Running:       %t\n", s.Running)
	fmt.Printf("  Tidal volume:  %d mL/kg (%d mL)\n", s.TidalVolume(), s.TotalTidalVolumeMl())
	fmt.Printf("  I:E ratio:     %s\n", protocol.IERatioLabel(s.IERatio))
	fmt.Printf("  Resp. rate:    %d /min\n", s.RespiratoryRate)
	fmt.Printf("  Height:        %d cm\n", s.Height())
	fmt.Printf("  Gender:        %s\n", s.Gender())
	fmt.Printf("  PIBW:          %.1f kg\n", s.PIBW())
	fmt.Println("===========================")
}
