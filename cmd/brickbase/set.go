package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/internal/device"
)

// setCmd represents the set command
var setCmd = &cobra.Command{
	Use:   "set <device-uuid> <command> [fields...]",
	Short: "Send one typed command to a device",
	Long: `Sends a SET_DEVICE_STATE request through a running gateway. The command is a
name (LED, LED_DOUBLE, LED_RGB, SERVO_SET_ANGLE, STEPPER_MOVE, optionally with a CMD_
prefix) and fields are given in wire order. on/off and true/false are accepted for
LED fields.

Example:
  brickbase set 424c1010-0000-0000-0102-030405060708 LED_RGB 255 0 64
  brickbase set 424c1000-0000-0000-0700-000000000000 LED on
  brickbase set 424c2000-0000-0000-0200-000000000000 servo_set_angle 90`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSet,
}

func init() {
	addGatewayFlags(setCmd)
}

// parseFields converts field arguments; on/off and true/false map to 1/0
func parseFields(kind device.CommandKind, args []string) ([]int, error) {
	if want := len(kind.Fields()); len(args) != want {
		return nil, &device.ValidationError{
			Field: "fields",
			Msg:   fmt.Sprintf("%s takes %d field(s) (%s), got %d", kind, want, strings.Join(kind.Fields(), ", "), len(args)),
		}
	}
	fields := make([]int, len(args))
	for i, a := range args {
		switch strings.ToLower(a) {
		case "on", "true":
			fields[i] = 1
		case "off", "false":
			fields[i] = 0
		default:
			v, err := strconv.Atoi(a)
			if err != nil {
				return nil, &device.ValidationError{Field: kind.Fields()[i], Msg: fmt.Sprintf("%q is not a number", a)}
			}
			fields[i] = v
		}
	}
	return fields, nil
}

func runSet(cmd *cobra.Command, args []string) error {
	_, logger, err := loadConfig(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}
	id, err := device.ParseText(args[0])
	if err != nil {
		return err
	}
	kind, err := device.ParseCommandKind(args[1])
	if err != nil {
		return err
	}
	fields, err := parseFields(kind, args[2:])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cln, err := connectClient(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cln.Close() }()

	if err := cln.SetState(ctx, id, kind, fields); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %v sent\n", id, kind, fields)
	return nil
}
