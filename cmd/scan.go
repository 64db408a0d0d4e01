package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	doai "github.com/exe-blue/doai-me-app-sub000"
	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/discovery"
	"github.com/exe-blue/doai-me-app-sub000/internal/providers/adb"
)

func newScanCmd() *cobra.Command {
	var (
		flagJSON  bool
		flagSweep bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery scan and print the devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagSweep {
				cfg.Discovery.SubnetSweep = true
			}
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			prober := discovery.NewADBProber(provider)
			m := discovery.NewManager(doai.DiscoveryConfig(cfg.Discovery), nil, nil, provider, prober)
			defer m.Close()

			result, _ := m.FullScan(cmd.Context())
			log.Info().Int("found", result.Found).Dur("duration", result.Duration).Msg("scan finished")
			devices := m.GetDevices()
			if flagJSON {
				return printJSON(os.Stdout, devices)
			}
			return printDeviceTable(devices)
		},
	}

	cmd.Flags().BoolVar(&flagJSON, "json", false, "Print devices as JSON")
	cmd.Flags().BoolVar(&flagSweep, "sweep", false, "Sweep configured subnets for open control ports")
	return cmd
}

func printDeviceTable(devices []device.Device) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTRANSPORT\tSTATUS\tMODEL\tOS\tDISPLAY")
	for _, dev := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dx%d\n",
			dev.Address, dev.Transport, dev.Status, dev.Model, dev.OSVersion,
			dev.DisplaySize.Width, dev.DisplaySize.Height)
	}
	return tw.Flush()
}
