package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/internal/registry"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices known to a gateway",
	Long: `Connects to a running gateway and prints its device list: identity, type,
bus address and whether the device answered the last scan.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func init() {
	addGatewayFlags(devicesCmd)
	devicesCmd.Flags().Bool("json", false, "Output as JSON")
	devicesCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the answer")
}

// deviceRow is the JSON form of one device-list entry
type deviceRow struct {
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
	Address string `json:"address"`
	Online  bool   `json:"online"`
}

func toRows(entries []registry.Entry) []deviceRow {
	rows := make([]deviceRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, deviceRow{
			UUID:    e.Identity.String(),
			Type:    e.Identity.Type().String(),
			Address: e.Address.String(),
			Online:  e.Online,
		})
	}
	return rows
}

func runDevices(cmd *cobra.Command, _ []string) error {
	_, logger, err := loadConfig(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cln, err := connectClient(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cln.Close() }()

	reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
	defer reqCancel()
	entries, err := cln.ListDevices(reqCtx)
	if err != nil {
		return err
	}

	rows := toRows(entries)
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), rows)
	}
	return writeDeviceTable(cmd.OutOrStdout(), rows)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeDeviceTable(out io.Writer, rows []deviceRow) error {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No devices known")
		return nil
	}
	online := color.New(color.FgGreen).SprintFunc()
	offline := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tTYPE\tADDRESS\tSTATUS")
	for _, r := range rows {
		status := online("online")
		if !r.Online {
			status = offline("offline")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.UUID, r.Type, r.Address, status)
	}
	return w.Flush()
}
