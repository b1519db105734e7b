package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/virtual-shift/internal/bt"
	"github.com/lowaak/virtual-shift/internal/config"
	"github.com/lowaak/virtual-shift/internal/go_func_utils"
	"github.com/lowaak/virtual-shift/internal/shift"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	configPath := pflag.StringP("config", "c", "", "path to YAML config file")
	verbose := pflag.BoolP("verbose", "v", false, "log every Bluetooth operation")
	useUI := pflag.Bool("ui", false, "show a terminal status view instead of plain output")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg, *verbose, *useUI)
	defer closeLog()

	if err := run(cfg, logger, *useUI); err != nil {
		logger.Printf("Fatal: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the application logger. With a log file configured the
// output goes through lumberjack for rotation; in UI mode terminal output is
// suppressed so log lines don't corrupt the tview screen.
func newLogger(cfg *config.Config, verbose bool, uiMode bool) (*log.Logger, func()) {
	var writers []io.Writer
	closeFn := func() {}

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		writers = append(writers, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	if !uiMode && (verbose || cfg.Log.File == "") {
		writers = append(writers, os.Stderr)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	return log.New(io.MultiWriter(writers...), "", log.LstdFlags), closeFn
}

// attachLogSink adds a writer to a logger's existing output so log lines keep
// flowing to the configured destinations while also landing in the sink.
func attachLogSink(logger *log.Logger, sink io.Writer) {
	logger.SetOutput(io.MultiWriter(logger.Writer(), sink))
}

func run(cfg *config.Config, logger *log.Logger, useUI bool) error {
	manager := bt.NewBTManager(adapter, logger)
	if err := manager.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE stack: %w", err)
	}
	defer manager.Shutdown()

	bridge, err := shift.NewBridge(shift.BridgeConfig{
		TrainerName:         cfg.Bluetooth.KickrName,
		LeftControllerName:  cfg.Bluetooth.ClickLeftName,
		RightControllerName: cfg.Bluetooth.ClickRightName,
		ScanTimeout:         cfg.Bluetooth.ScanTimeout,
		Gears:               cfg.Gears,
		Resistance:          cfg.Resistance,
		ShiftSmoothing:      cfg.ShiftSmoothing,
		ReconnectAttempts:   cfg.Bluetooth.ReconnectAttempts,
		ReconnectDelay:      cfg.Bluetooth.ReconnectDelay,
	}, manager, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Println("Scanning for trainer and controllers...")
	if err := bridge.Start(ctx); err != nil {
		return err
	}

	if useUI {
		return runWithUI(ctx, cancel, bridge, logger)
	}
	return runPlain(ctx, bridge, cfg, logger)
}

// runPlain drives the bridge with line-by-line terminal output
func runPlain(ctx context.Context, bridge *shift.Bridge, cfg *config.Config, logger *log.Logger) error {
	if cfg.Display.ShowGearChanges {
		gearChan := make(chan shift.GearStatus, 8)
		deregister := bridge.ListenToGearChanges(gearChan)
		defer deregister()

		go_func_utils.SafeGo(logger, func() {
			for status := range gearChan {
				if status.ERGMode {
					fmt.Printf("Gear %d/%d (%s)  target %d W\n",
						status.Gear, status.MaxGear, status.Label, status.TargetPowerWatts)
				} else {
					fmt.Printf("Gear %d/%d (%s)  resistance %.1f%%\n",
						status.Gear, status.MaxGear, status.Label, status.TargetResistance)
				}
			}
		})
	}

	fmt.Println("Connected. Shift with the Click buttons; Ctrl+C to quit.")
	return bridge.Run(ctx)
}

// runWithUI drives the bridge behind a two-pane tview layout: gear status on
// the left, scrolling logs on the right.
func runWithUI(ctx context.Context, cancel context.CancelFunc, bridge *shift.Bridge, logger *log.Logger) error {
	app := tview.NewApplication()

	logView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			app.Draw()
		})
	logView.SetBorder(true).SetTitle(" Logs ")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	statusView.SetBorder(true).SetTitle(" Virtual Shift ")

	flex := tview.NewFlex().
		AddItem(statusView, 0, 1, false).
		AddItem(logView, 0, 2, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC || event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			cancel()
			app.Stop()
			return nil
		}
		return event
	})

	// Mirror all log output into the right pane. The bridge and bt layers
	// share this logger, so their lines land here too.
	attachLogSink(logger, logView)

	renderStatus := func(status shift.GearStatus, metrics shift.BikeMetrics) {
		text := fmt.Sprintf("\n[yellow]Gear %d / %d[-]\n%s\n\n", status.Gear, status.MaxGear, status.Label)
		if status.ERGMode {
			text += fmt.Sprintf("Target: %d W\n", status.TargetPowerWatts)
		} else {
			text += fmt.Sprintf("Resistance: %.1f%%\n", status.TargetResistance)
		}
		if metrics.HasPower {
			text += fmt.Sprintf("\nPower: %d W\n", metrics.PowerWatts)
		}
		if metrics.HasCadence {
			text += fmt.Sprintf("Cadence: %.0f rpm\n", metrics.CadenceRPM)
		}
		if metrics.HasSpeed {
			text += fmt.Sprintf("Speed: %.1f km/h\n", metrics.SpeedKmh)
		}
		app.QueueUpdateDraw(func() {
			statusView.SetText(text)
		})
	}

	gearChan := make(chan shift.GearStatus, 8)
	deregisterGear := bridge.ListenToGearChanges(gearChan)
	defer deregisterGear()

	metricsChan := make(chan shift.BikeMetrics, 8)
	deregisterMetrics := bridge.Trainer().ListenToMetrics(metricsChan)
	defer deregisterMetrics()

	go_func_utils.SafeGo(logger, func() {
		var lastStatus shift.GearStatus
		var lastMetrics shift.BikeMetrics
		for {
			select {
			case status, ok := <-gearChan:
				if !ok {
					return
				}
				lastStatus = status
				renderStatus(lastStatus, lastMetrics)
			case metrics, ok := <-metricsChan:
				if !ok {
					return
				}
				lastMetrics = metrics
				renderStatus(lastStatus, lastMetrics)
			}
		}
	})

	runErr := make(chan error, 1)
	go_func_utils.SafeGo(logger, func() {
		runErr <- bridge.Run(ctx)
		app.Stop()
	})

	if err := app.SetRoot(flex, true).Run(); err != nil {
		cancel()
		<-runErr
		return fmt.Errorf("UI error: %w", err)
	}
	cancel()
	return <-runErr
}
