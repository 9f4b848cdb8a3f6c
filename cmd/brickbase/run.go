package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase"
	"github.com/srg/brickbase/bridge"
	"github.com/srg/brickbase/internal/gatt"
	"github.com/srg/brickbase/internal/lua"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [script.lua]",
	Short: "Run a Lua script on a gateway or against the local bus",
	Long: fmt.Sprintf(`Uploads a Lua script to a running gateway, which replaces whatever script it was
running. The gateway reports only failures, so a silent upload means the script started.

With --local the script runs in this process against the local I2C bus, after one
scan cycle, and its print() output is shown here.

Scripts see the brick table (brick.list, brick.get_device_from_uuid, brick.send_command,
brick.CMD_*, brick.DEVICE_*), delay(ms) and require("brick_lab").

Bundled examples: %v

Example:
  brickbase run blink.lua
  brickbase run --example servo_sweep
  brickbase run --local --example distance --arg samples=10`, brickbase.ExampleNames()),
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addGatewayFlags(runCmd)
	runCmd.Flags().String("example", "", "Run a bundled example instead of a file")
	runCmd.Flags().Bool("local", false, "Run against the local bus instead of uploading")
	runCmd.Flags().StringToString("arg", nil, "Script argument visible as arg[key] (local runs only)")
	runCmd.Flags().Duration("scan-timeout", 5*time.Second, "How long a local run waits for the first scan cycle")
}

func loadScript(cmd *cobra.Command, args []string) (name, src string, err error) {
	example, _ := cmd.Flags().GetString("example")
	switch {
	case example != "" && len(args) > 0:
		return "", "", fmt.Errorf("give either a script file or --example, not both")
	case example != "":
		src, err := brickbase.Example(example)
		return example, src, err
	case len(args) == 1:
		b, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to read script file: %w", err)
		}
		return args[0], string(b), nil
	}
	return "", "", ErrNoScript
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}
	name, src, err := loadScript(cmd, args)
	if err != nil {
		return err
	}
	local, _ := cmd.Flags().GetBool("local")
	scriptArgs, _ := cmd.Flags().GetStringToString("arg")
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if !local {
		if len(scriptArgs) > 0 {
			logger.Warn("--arg is ignored for uploads; the gateway runs scripts without arguments")
		}
		cln, err := connectClient(ctx, cmd, logger)
		if err != nil {
			return err
		}
		defer func() { _ = cln.Close() }()

		if err := cln.RunScript(ctx, []byte(src)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Script %s accepted by the gateway (%d bytes)\n", name, len(src))
		return nil
	}

	scanTimeout, _ := cmd.Flags().GetDuration("scan-timeout")
	cfg.Telemetry.Broker = ""

	_, err = bridge.RunGateway(ctx, &bridge.GatewayOptions{
		Config: cfg,
		Logger: logger,
		Bus:    hostBus,
		Serve:  idle,
	}, nil, func(gw bridge.Gateway) (struct{}, error) {
		select {
		case <-gw.Scanner().Reports():
		case <-time.After(scanTimeout):
			logger.Warn("No scan cycle completed, running the script anyway")
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		}

		sandbox := lua.NewSandbox(logger, lua.NewBrickAPI(gw.Controller(), logger).Binding())
		return struct{}{}, lua.ExecuteScriptWithOutput(ctx, sandbox, logger, name, src, scriptArgs,
			cmd.OutOrStdout(), cmd.ErrOrStderr())
	})
	return err
}

// idle stands in for advertising when the gateway only serves a local run
func idle(ctx context.Context, _ *gatt.Server, _ string) error {
	<-ctx.Done()
	return nil
}
