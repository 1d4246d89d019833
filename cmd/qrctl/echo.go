package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
)

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Verify the association with the remote archive (C-ECHO)",
	Args:  cobra.NoArgs,
	RunE:  echoMain,
}

func echoMain(cmd *cobra.Command, args []string) error {
	opts, err := engineOptions()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := engine.Verify(cmd.Context(), opts); err != nil {
		return errors.Wrapf(err, "C-ECHO to %s failed", opts.Remote)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "C-ECHO to %s succeeded in %s\n", opts.Remote, time.Since(start).Round(time.Millisecond))
	return nil
}
