package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/bridge"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway on this machine",
	Long: `Opens the I2C bus, keeps scanning it for bricks and advertises the BLE control
service. Clients can then list devices, set device state and upload Lua scripts.

Registry changes are mirrored to MQTT when telemetry.broker is configured.

Example:
  brickbase serve --bus /dev/i2c-1 --name BrickLab
  brickbase serve --config /etc/brickbase.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("name", "", "Advertised device name (overrides gateway.device_name)")
	serveCmd.Flags().String("bus", "", "I2C bus name (overrides bus.name)")
	serveCmd.Flags().String("broker", "", "MQTT broker URL for telemetry (overrides telemetry.broker)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Gateway.DeviceName = v
	}
	if v, _ := cmd.Flags().GetString("bus"); v != "" {
		cfg.Bus.Name = v
	}
	if v, _ := cmd.Flags().GetString("broker"); v != "" {
		cfg.Telemetry.Broker = v
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := NewProgressPrinter(cmd.OutOrStdout(), "Starting gateway", bridge.PhaseOpeningBus, bridge.PhaseRunning, bridge.PhaseFailed)
	progress.Start()
	defer progress.Stop()

	_, err = bridge.RunGateway(ctx, &bridge.GatewayOptions{
		Config: cfg,
		Logger: logger,
		Bus:    hostBus,
		Serve:  advertise,
	}, progress.Callback(), func(gw bridge.Gateway) (struct{}, error) {
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway %q running, press Ctrl+C to stop\n", cfg.Gateway.DeviceName)
		select {
		case <-ctx.Done():
			m := gw.Endpoint().GetMetrics()
			logger.WithFields(logrus.Fields{
				"packets":  m.Packets,
				"errors":   m.Errors,
				"dropped":  m.Dropped,
				"scripts":  m.ScriptsRun,
				"commands": m.StatesApplied,
				"devices":  gw.Registry().Len(),
			}).Info("Shutting down gateway")
			return struct{}{}, nil
		case <-gw.Done():
			return struct{}{}, fmt.Errorf("%w: %w", ErrGatewayStopped, gw.Err())
		}
	})
	if err != nil && ctx.Err() != nil {
		return context.Canceled
	}
	return err
}
