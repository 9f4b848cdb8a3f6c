package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/bridge"
	"github.com/srg/brickbase/internal/client"
	"periph.io/x/conn/v3/i2c"
)

// dialGateway opens the control-plane link to a gateway
var dialGateway = func(ctx context.Context, opts client.DialOptions, logger *logrus.Logger) (client.Link, error) {
	link, err := client.Dial(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// hostBus, when set, is used instead of opening the configured I2C bus
var hostBus i2c.Bus

// advertise, when set, replaces BLE advertising in serve
var advertise bridge.ServeFunc

func addGatewayFlags(cmd *cobra.Command) {
	cmd.Flags().String("address", "", "Gateway BLE address (default: first device advertising the gateway service)")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().Duration("error-window", client.DefaultErrorWindow, "How long to wait for a rejection after fire-and-forget requests")
}

// connectClient dials the gateway selected by the command's flags
func connectClient(ctx context.Context, cmd *cobra.Command, logger *logrus.Logger) (*client.Client, error) {
	address, _ := cmd.Flags().GetString("address")
	timeout, _ := cmd.Flags().GetDuration("connect-timeout")
	window, _ := cmd.Flags().GetDuration("error-window")

	link, err := dialGateway(ctx, client.DialOptions{Address: address, ConnectTimeout: timeout}, logger)
	if err != nil {
		return nil, err
	}
	cln, err := client.New(link, logger)
	if err != nil {
		_ = link.Close()
		return nil, err
	}
	return cln.WithErrorWindow(window), nil
}
