package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petems/pitchcap/internal/audio"
)

func newWatchCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the input device list whenever it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := s.newWatcher(e)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printDevices(out, w.Devices())

			unsubscribe := w.Subscribe(func(devices []audio.Device) {
				fmt.Fprintln(out)
				printDevices(out, devices)
			})
			defer unsubscribe()

			e.log.Info().Dur("interval", e.cfg.Watch.Interval).Msg("Watching for device changes")
			err = w.Run(cmd.Context(), e.cfg.Watch.Interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().Duration("interval", 0, "poll interval (default from config, 2s)")
	return cmd
}
