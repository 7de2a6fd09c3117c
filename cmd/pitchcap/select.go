package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/petems/pitchcap/internal/app"
)

func newSelectCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "select <index>",
		Short: "Validate a device index and save it as the capture device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid device index %q: %w", args[0], err)
			}

			s, err := e.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			a := app.New(app.Config{
				Stream:  s.stream,
				Catalog: s.catalog,
				Config:  e.cfg,
				Logger:  e.log,
			})
			if err := a.SelectDevice(index); err != nil {
				return err
			}

			dev, _ := s.stream.CurrentDevice()
			fmt.Fprintf(cmd.OutOrStdout(), "Selected %s\nSaved to %s\n", dev, e.cfg.Path())
			return nil
		},
	}
}
