package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petems/pitchcap/internal/audio"
)

func newDevicesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List input devices and their supported sample rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			devices, err := s.catalog.Enumerate()
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
}

func printDevices(out io.Writer, devices []audio.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No input devices found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME\tHOST API\tCHANNELS\tDEFAULT RATE\tLATENCY\tRATES")
	for _, d := range devices {
		name := d.Name
		if d.IsDefaultInput {
			name += " *"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.0f\t%v\t%s\n",
			d.Index, name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate, d.DefaultLatency, formatRates(d.SampleRates))
	}
	w.Flush()
}

func formatRates(rates []float64) string {
	if len(rates) == 0 {
		return "-"
	}
	parts := make([]string, len(rates))
	for i, r := range rates {
		parts[i] = fmt.Sprintf("%.0f", r)
	}
	return strings.Join(parts, ",")
}
