package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apollo/cohort/config"
	"github.com/apollo/cohort/device"
	"github.com/apollo/cohort/fleet"
	"github.com/apollo/cohort/pkg/log"
	"github.com/apollo/cohort/pkg/version"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config")
		numDevices   = flag.Int("devices", 0, "number of simulated devices (overrides config)")
		runFor       = flag.Duration("run-for", 0, "bound the run; 0 runs until interrupted (overrides config)")
		development  = flag.Bool("dev", false, "development logging")
		printVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Println(version.String())
		return
	}

	logger := log.Setup(*development)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error(err, "invalid configuration")
		os.Exit(1)
	}
	if *numDevices > 0 {
		cfg.Fleet.NumDevices = *numDevices
	}
	if *runFor > 0 {
		cfg.Run.Duration = config.Duration(*runFor)
	}

	logger.Info("cohort-sim starting", "version", version.String(), "devices", cfg.Fleet.NumDevices)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source device.Source = &device.HTTPSource{}
	if cfg.Firmware.OCICacheDir != "" {
		source = &device.RoutingSource{
			HTTP: source,
			OCI:  device.NewOCISource(cfg.Firmware.OCICacheDir, cfg.Firmware.OCIPlainHTTP, logger),
		}
	}

	orch := fleet.NewOrchestrator(fleet.Config{
		NumDevices:           cfg.Fleet.NumDevices,
		DeviceIDPrefix:       cfg.Fleet.DeviceIDPrefix,
		GroupKey:             cfg.Provisioning.GroupKey,
		ProvisioningEndpoint: cfg.Provisioning.Endpoint,
		IDScope:              cfg.Provisioning.IDScope,
		HubEndpoint:          cfg.Hub.Endpoint,
		BatchSize:            cfg.Fleet.BatchSize,
		BatchDelay:           cfg.Fleet.BatchDelay.Std(),
		StaggerDelay:         cfg.Fleet.StaggerDelay.Std(),
		TelemetryInterval:    cfg.Telemetry.Interval.Std(),
		DeviceInfoInterval:   cfg.Telemetry.DeviceInfoInterval.Std(),
		DesiredPollInterval:  cfg.Telemetry.DesiredPoll.Std(),
		FirmwareVersion:      cfg.Firmware.Version,
		FirmwareDir:          cfg.Firmware.Dir,
		InstallDelay:         cfg.Firmware.InstallDelay.Std(),
		FirmwareSource:       source,
	}, logger)

	running, err := orch.Start(ctx)
	if err != nil {
		logger.Error(err, "fleet startup aborted")
		orch.Shutdown()
		os.Exit(1)
	}
	if running == 0 {
		logger.Info("no devices came up; exiting")
		os.Exit(1)
	}

	// The run ends on signal, timer expiry, or an operator stop; all three
	// funnel through the same context.
	runCtx, endRun := context.WithCancel(ctx)
	defer endRun()

	var timer *fleet.RunTimer
	if d := cfg.Run.Duration.Std(); d > 0 {
		timer, err = fleet.NewRunTimer(d, endRun, logger)
		if err != nil {
			logger.Error(err, "invalid run duration")
			orch.Shutdown()
			os.Exit(1)
		}
	}

	control := fleet.NewControlServer(cfg.Run.ControlAddr, orch, timer, logger)
	controlErr := make(chan error, 1)
	go func() { controlErr <- control.Start(runCtx) }()

	select {
	case <-runCtx.Done():
	case err := <-controlErr:
		if err != nil {
			logger.Error(err, "control API failed")
		}
	}

	orch.Shutdown()
	logger.Info("cohort-sim stopped")
}
