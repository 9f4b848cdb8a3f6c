package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brickbase/inspector"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Sweep the local I2C bus once",
	Long: `Probes every address in the brick window (0x08..0x77) on the local bus, reads
the identity of whatever answers and prints the result. No gateway is started.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("bus", "", "I2C bus name (overrides bus.name)")
	scanCmd.Flags().Bool("json", false, "Output as JSON")
}

type scanRow struct {
	Address string `json:"address"`
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
}

type scanResult struct {
	Probed     int       `json:"probed"`
	Acked      int       `json:"acked"`
	Identified int       `json:"identified"`
	Rejected   int       `json:"rejected"`
	Failed     int       `json:"failed"`
	Devices    []scanRow `json:"devices"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, logrus.WarnLevel)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("bus"); v != "" {
		cfg.Bus.Name = v
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	speed, err := cfg.Bus.Frequency()
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := NewProgressPrinter(cmd.OutOrStdout(), "Scanning bus", "Opening bus", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	result, err := inspector.InspectBus(ctx, &inspector.InspectOptions{
		BusName:   cfg.Bus.Name,
		Speed:     speed,
		TxTimeout: cfg.Bus.TxTimeout,
		Bus:       hostBus,
	}, logger, progress.Callback(), func(in *inspector.Inspection) (scanResult, error) {
		res := scanResult{
			Probed:     in.Report.Probed,
			Acked:      in.Report.Acked,
			Identified: in.Report.Identified,
			Rejected:   in.Report.Rejected,
			Failed:     in.Report.Failed,
			Devices:    make([]scanRow, 0, len(in.Devices)),
		}
		for _, rec := range in.Devices {
			res.Devices = append(res.Devices, scanRow{
				Address: rec.Address.String(),
				UUID:    rec.Identity.String(),
				Type:    rec.Type.String(),
			})
		}
		return res, nil
	})
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(cmd.OutOrStdout(), result)
	}
	return writeScanTable(cmd.OutOrStdout(), result)
}

func writeScanTable(out io.Writer, res scanResult) error {
	if len(res.Devices) == 0 {
		fmt.Fprintln(out, "No devices found")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tUUID\tTYPE")
		for _, d := range res.Devices {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Address, d.UUID, d.Type)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "%d addresses probed, %d acknowledged, %d identified, %d rejected, %d failed\n",
		res.Probed, res.Acked, res.Identified, res.Rejected, res.Failed)
	return nil
}
